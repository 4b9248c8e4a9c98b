package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/istresearch/rapidpro-sub000/pkg/devicesync"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// verifyDevice rejects check-ins that are not signed with the channel's
// secret. Rejections answer 401 with the body devices understand.
func (s *Server) verifyDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channelUUID := chi.URLParam(r, "uuid")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		secret, err := s.channels.Secret(r.Context(), channelUUID)
		if errors.Is(err, domain.ErrChannelNotFound) {
			writeJSON(w, http.StatusUnauthorized, devicesync.UnknownChannel(channelUUID))
			return
		}
		if err != nil {
			s.fail(w, err, "channel_uuid", channelUUID)
			return
		}

		q := r.URL.Query()
		if rejection := devicesync.Verify(secret, q.Get("ts"), body, q.Get("signature"), s.now()); rejection != nil {
			s.logger.Warn("device sync rejected", "channel_uuid", channelUUID, "error_id", rejection.ID, "reason", rejection.Message)
			writeJSON(w, http.StatusUnauthorized, rejection)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// postDeviceSync handles POST /v1/devices/{uuid}/sync. Events are handled
// before anything is acked; on failure the whole check-in is refused so the
// device resends it, and the deterministic event UUIDs make that replay safe.
func (s *Server) postDeviceSync(w http.ResponseWriter, r *http.Request) {
	channelUUID := chi.URLParam(r, "uuid")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := devicesync.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, resp := devicesync.Process(channelUUID, s.country, req, s.now())
	for _, event := range events {
		if s.queue != nil {
			err = s.queue.Enqueue(r.Context(), event)
		} else {
			var out *domain.Outcome
			out, err = s.engine.Handle(r.Context(), event)
			s.streams.Broadcast(event.ContactUUID, out)
		}
		if err != nil {
			s.fail(w, err, "channel_uuid", channelUUID, "event_uuid", event.UUID)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
