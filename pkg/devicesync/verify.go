// Package devicesync guards and decodes check-ins from Android relayer
// channels. A check-in is only trusted once Verify accepts its signature;
// Process then turns its commands into engine events and acks.
package devicesync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// MaxSkew is how far a request timestamp may be from the server clock.
const MaxSkew = 15 * time.Minute

// Error ids returned to devices.
const (
	ErrIDUnknownChannel   = 1
	ErrIDMissingSignature = 2
	ErrIDOldRequest       = 3
	ErrIDBadSignature     = 4
)

// Error is a rejected check-in. It serializes as the body devices expect.
type Error struct {
	ID      int      `json:"error_id"`
	Message string   `json:"error"`
	Cmds    []string `json:"cmds"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("device sync rejected (%d): %s", e.ID, e.Message)
}

func reject(id int, format string, args ...any) *Error {
	return &Error{ID: id, Message: fmt.Sprintf(format, args...), Cmds: []string{}}
}

// UnknownChannel is the rejection for a channel with no secret.
func UnknownChannel(channelUUID string) *Error {
	return reject(ErrIDUnknownChannel, "unknown channel %s", channelUUID)
}

// Sign returns the base64url HMAC-SHA256 of body keyed by secret+timestamp,
// the layout relayer devices sign with.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret+timestamp))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a check-in signed at timestamp (unix milliseconds). It
// returns nil when the request may reach the engine.
func Verify(secret, timestamp string, body []byte, signature string, now time.Time) *Error {
	if signature == "" || timestamp == "" {
		return reject(ErrIDMissingSignature, "missing signature or timestamp")
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(ErrIDMissingSignature, "invalid timestamp %q", timestamp)
	}
	sent := time.UnixMilli(ms)
	if skew := now.Sub(sent); skew > MaxSkew || skew < -MaxSkew {
		return reject(ErrIDOldRequest, "request time %s outside allowed window", sent.UTC().Format(time.RFC3339))
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return reject(ErrIDBadSignature, "invalid signature")
	}
	return nil
}
