package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

// StreamManager fans engine outcomes out to the SSE subscribers of a contact.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{} // contact UUID -> set of channels
	logger      *slog.Logger
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
		logger:      slog.Default(),
	}
}

// Subscribe registers a listener for contactUUID. The returned func removes it.
func (sm *StreamManager) Subscribe(contactUUID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 10)
	if _, ok := sm.subscribers[contactUUID]; !ok {
		sm.subscribers[contactUUID] = make(map[chan<- string]struct{})
	}
	sm.subscribers[contactUUID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[contactUUID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, contactUUID)
			}
		}
	}
}

// Broadcast sends the actions of out to the contact's subscribers. Outcomes
// without actions are not sent.
func (sm *StreamManager) Broadcast(contactUUID string, out *domain.Outcome) {
	if out == nil || len(out.Actions) == 0 {
		return
	}
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	subs, ok := sm.subscribers[contactUUID]
	if !ok {
		return
	}
	payload, err := json.Marshal(out.Actions)
	if err != nil {
		sm.logger.Error("failed to encode outcome", "contact_uuid", contactUUID, "error", err)
		return
	}
	for ch := range subs {
		select {
		case ch <- string(payload):
		default:
			// slow client
			sm.logger.Warn("SSE client buffer full, dropping message", "contact_uuid", contactUUID)
		}
	}
}

// subscribeContact handles GET /v1/contacts/{uuid}/stream (SSE).
func (s *Server) subscribeContact(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	contactUUID := chi.URLParam(r, "uuid")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.streams.Subscribe(contactUUID)
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("SSE client subscribed", "contact_uuid", contactUUID)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: actions\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
