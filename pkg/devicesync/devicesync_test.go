package devicesync_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/devicesync"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"cmds": []}`)
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sig := devicesync.Sign("s3cret", ts, body)

	t.Run("Valid", func(t *testing.T) {
		assert.Nil(t, devicesync.Verify("s3cret", ts, body, sig, now))
		assert.Nil(t, devicesync.Verify("s3cret", ts, body, sig, now.Add(14*time.Minute)))
	})

	t.Run("Key Includes Timestamp", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte("s3cret"+ts))
		mac.Write(body)
		assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), sig)

		// prefixing the timestamp to the message is a different digest
		other := hmac.New(sha256.New, []byte("s3cret"))
		other.Write([]byte(ts))
		other.Write(body)
		assert.NotEqual(t, base64.URLEncoding.EncodeToString(other.Sum(nil)), sig)
	})

	t.Run("Missing Signature", func(t *testing.T) {
		err := devicesync.Verify("s3cret", ts, body, "", now)
		require.NotNil(t, err)
		assert.Equal(t, devicesync.ErrIDMissingSignature, err.ID)
		assert.NotNil(t, err.Cmds)
	})

	t.Run("Outside Window", func(t *testing.T) {
		err := devicesync.Verify("s3cret", ts, body, sig, now.Add(16*time.Minute))
		require.NotNil(t, err)
		assert.Equal(t, devicesync.ErrIDOldRequest, err.ID)

		err = devicesync.Verify("s3cret", ts, body, sig, now.Add(-16*time.Minute))
		require.NotNil(t, err)
		assert.Equal(t, devicesync.ErrIDOldRequest, err.ID)
	})

	t.Run("Tampered Body", func(t *testing.T) {
		err := devicesync.Verify("s3cret", ts, []byte(`{"cmds": [{}]}`), sig, now)
		require.NotNil(t, err)
		assert.Equal(t, devicesync.ErrIDBadSignature, err.ID)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		err := devicesync.Verify("other", ts, body, sig, now)
		require.NotNil(t, err)
		assert.Equal(t, devicesync.ErrIDBadSignature, err.ID)
	})
}

func TestProcess(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req, err := devicesync.Parse([]byte(`{"cmds": [
		{"cmd": "mo_sms", "p_id": "1", "phone": "0788383383", "msg": "orange", "ts": 1709294400000},
		{"cmd": "mt_sent", "p_id": "2"},
		{"cmd": "mo_sms", "p_id": "3", "phone": "not a phone", "msg": "?"},
		{"cmd": "status"}
	]}`))
	require.NoError(t, err)

	events, resp := devicesync.Process("chan-1", "RW", req, now)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMsg, events[0].Type)
	assert.Equal(t, "orange", events[0].Text)
	assert.Equal(t, devicesync.ContactUUID("tel:+250788383383"), events[0].ContactUUID)
	assert.Equal(t, time.UnixMilli(1709294400000), events[0].CreatedOn)

	assert.Equal(t, []devicesync.Command{
		{Cmd: devicesync.CmdAck, ID: "1"},
		{Cmd: devicesync.CmdAck, ID: "2"},
		{Cmd: devicesync.CmdAck, ID: "3"},
	}, resp.Cmds)

	// a resent command maps to the same event
	again, _ := devicesync.Process("chan-1", "RW", req, now)
	assert.Equal(t, events[0].UUID, again[0].UUID)
}

func TestURN(t *testing.T) {
	urn, err := devicesync.URN("+250 788 383 383", "")
	require.NoError(t, err)
	assert.Equal(t, "tel:+250788383383", urn)

	_, err = devicesync.URN("abc", "RW")
	assert.Error(t, err)
}
