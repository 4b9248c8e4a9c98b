package devicesync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/nyaruka/phonenumbers"
)

// Command kinds sent by devices.
const (
	CmdIncoming  = "mo_sms"
	CmdSent      = "mt_sent"
	CmdDelivered = "mt_dlvd"
	CmdFailed    = "mt_fail"
	CmdStatus    = "status"
	CmdAck       = "ack"
)

// contactNamespace derives stable contact UUIDs from phone URNs.
var contactNamespace = uuid.MustParse("7f8e3b5e-6c1f-4c6a-9f7d-2b0e8d1c4a55")

// Command is one entry of a check-in.
type Command struct {
	Cmd   string `json:"cmd"`
	ID    string `json:"p_id,omitempty"`
	Phone string `json:"phone,omitempty"`
	Msg   string `json:"msg,omitempty"`
	TS    int64  `json:"ts,omitempty"`
}

// Request is a check-in body.
type Request struct {
	Cmds []Command `json:"cmds"`
}

// Response lists commands for the device, acks first.
type Response struct {
	Cmds []Command `json:"cmds"`
}

// Parse decodes a check-in body.
func Parse(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid sync body: %w", err)
	}
	return &req, nil
}

// URN normalizes a phone number to tel:+E164 using country for local numbers.
func URN(phone, country string) (string, error) {
	num, err := phonenumbers.Parse(phone, strings.ToUpper(country))
	if err != nil {
		return "", fmt.Errorf("invalid phone %q: %w", phone, err)
	}
	return "tel:" + phonenumbers.Format(num, phonenumbers.E164), nil
}

// ContactUUID is the stable contact identity of a URN.
func ContactUUID(urn string) string {
	return uuid.NewSHA1(contactNamespace, []byte(urn)).String()
}

// Process turns incoming messages into msg events. Every command with an id
// is acked, including ones it can't use, so the device stops resending them.
// The event UUID derives from channel and command id so a resent command
// maps to the same event and is applied once.
func Process(channelUUID, country string, req *Request, now time.Time) ([]domain.Event, Response) {
	var events []domain.Event
	resp := Response{Cmds: []Command{}}

	for _, cmd := range req.Cmds {
		if cmd.Cmd == CmdIncoming {
			if urn, err := URN(cmd.Phone, country); err == nil {
				created := now
				if cmd.TS > 0 {
					created = time.UnixMilli(cmd.TS)
				}
				events = append(events, domain.Event{
					UUID:        uuid.NewSHA1(contactNamespace, []byte(channelUUID+":"+cmd.ID)).String(),
					Type:        domain.EventMsg,
					ContactUUID: ContactUUID(urn),
					Text:        cmd.Msg,
					CreatedOn:   created,
				})
			}
		}
		if cmd.ID != "" {
			resp.Cmds = append(resp.Cmds, Command{Cmd: CmdAck, ID: cmd.ID})
		}
	}
	return events, resp
}
