// Package http exposes the engine over a JSON API routed with chi.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/istresearch/rapidpro-sub000/api"
	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// EventQueue accepts events for asynchronous handling.
type EventQueue interface {
	Enqueue(ctx context.Context, event domain.Event) error
}

// Server holds the handlers of the API.
type Server struct {
	engine   ports.FlowEngine
	reporter ports.Reporter
	flows    ports.FlowRepository
	channels ports.ChannelStore
	country  string
	queue    EventQueue
	metrics  http.Handler
	streams  *StreamManager
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFlowRepository enables the flow metadata routes.
func WithFlowRepository(flows ports.FlowRepository) Option {
	return func(s *Server) { s.flows = flows }
}

// WithDeviceSync enables the relayer check-in route. country is used to
// normalize local phone numbers.
func WithDeviceSync(channels ports.ChannelStore, country string) Option {
	return func(s *Server) {
		s.channels = channels
		s.country = country
	}
}

// WithEventQueue makes device check-ins enqueue their events instead of
// handling them inline.
func WithEventQueue(queue EventQueue) Option {
	return func(s *Server) { s.queue = queue }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock overrides the time source used by signature checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the server. Use Handler to mount it.
func NewServer(engine ports.FlowEngine, reporter ports.Reporter, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		reporter: reporter,
		streams:  NewStreamManager(),
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	return s
}

// NewHandler creates a server and returns its handler.
func NewHandler(engine ports.FlowEngine, reporter ports.Reporter, opts ...Option) http.Handler {
	return NewServer(engine, reporter, opts...).Handler()
}

// Streams returns the outcome stream hub, so other transports can publish
// into it.
func (s *Server) Streams() *StreamManager {
	return s.streams
}

// Handler builds the router. It panics if the embedded API document does
// not load.
func (s *Server) Handler() http.Handler {
	doc, err := api.Load(context.Background())
	if err != nil {
		panic(err)
	}
	validate, err := s.validateRequests(doc)
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.getHealth)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, doc)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(validate)
		r.Post("/events", s.postEvent)
		r.Post("/starts", s.postStart)
		r.Get("/contacts/{uuid}/stream", s.subscribeContact)

		r.Route("/flows/{uuid}", func(r chi.Router) {
			if s.flows != nil {
				r.Get("/", s.getFlow)
				r.Put("/", s.putFlow)
			}
			r.Post("/revisions", s.postRevision)
			r.Get("/stats", s.getStats)
			r.Get("/results", s.getResults)
			r.Get("/activity", s.getActivity)
			r.Get("/recent", s.getRecent)
		})

		if s.channels != nil {
			r.With(s.verifyDevice).Post("/devices/{uuid}/sync", s.postDeviceSync)
		}
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// postEvent handles POST /v1/events. With a queue configured the event is
// accepted for the bus consumer instead of handled inline.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.Event
	if !s.decode(w, r, &event) {
		return
	}
	if event.UUID == "" || event.ContactUUID == "" {
		writeError(w, http.StatusBadRequest, "uuid and contact_uuid are required")
		return
	}
	if event.Type == "" {
		event.Type = domain.EventMsg
	}
	if event.CreatedOn.IsZero() {
		event.CreatedOn = s.now()
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(r.Context(), event); err != nil {
			s.fail(w, err, "event_uuid", event.UUID)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "uuid": event.UUID})
		return
	}

	out, err := s.engine.Handle(r.Context(), event)
	if err != nil {
		s.fail(w, err, "event_uuid", event.UUID)
		return
	}
	s.streams.Broadcast(event.ContactUUID, out)
	writeJSON(w, http.StatusOK, out)
}

// postStart handles POST /v1/starts.
func (s *Server) postStart(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FlowUUID == "" || req.ContactUUID == "" {
		writeError(w, http.StatusBadRequest, "flow_uuid and contact_uuid are required")
		return
	}

	out, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.fail(w, err, "flow_uuid", req.FlowUUID)
		return
	}
	s.streams.Broadcast(req.ContactUUID, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	flow, err := s.flows.GetFlow(r.Context(), flowUUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// putFlow creates or updates flow metadata. Revision fields are owned by
// the revision route and are ignored here.
func (s *Server) putFlow(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	var flow domain.Flow
	if !s.decode(w, r, &flow) {
		return
	}
	flow.UUID = flowUUID
	if err := s.flows.SaveFlow(r.Context(), &flow); err != nil {
		s.fail(w, err, "flow_uuid", flow.UUID)
		return
	}
	saved, err := s.flows.GetFlow(r.Context(), flow.UUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// postRevision handles POST /v1/flows/{uuid}/revisions.
func (s *Server) postRevision(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	var req domain.RevisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.FlowUUID = flowUUID
	if len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	rev, err := s.engine.SaveRevision(r.Context(), req)
	if err != nil {
		s.fail(w, err, "flow_uuid", req.FlowUUID)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	stats, err := s.reporter.RunStats(r.Context(), flowUUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	results, err := s.reporter.CategoryCounts(r.Context(), flowUUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	activity, err := s.reporter.Activity(r.Context(), flowUUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

// getRecent handles GET /v1/flows/{uuid}/recent?from=&to=.
func (s *Server) getRecent(w http.ResponseWriter, r *http.Request) {
	flowUUID, ok := s.flowUUID(w, r)
	if !ok {
		return
	}
	params, err := bindRecentParams(r)
	if err != nil || params.From == "" || params.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	key := domain.PathKey{FromUUID: params.From, ToUUID: params.To}
	recent, err := s.reporter.RecentRuns(r.Context(), flowUUID, key)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

// -- Helpers --

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`
}

func (s *Server) flowUUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	flowUUID, err := uuidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return flowUUID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		s.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		return false
	}
	return true
}

// fail maps engine errors to responses. Deferred work answers 503 so the
// caller retries; the event UUID makes the retry safe.
func (s *Server) fail(w http.ResponseWriter, err error, attrs ...any) {
	var (
		userConflict    *domain.FlowUserConflictError
		versionConflict *domain.FlowVersionConflictError
		cycle           *domain.InvalidCycleError
		invalid         *domain.FlowValidationError
	)
	switch {
	case errors.Is(err, domain.ErrDeferred):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrFlowNotFound), errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrNoRevision):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &userConflict), errors.As(err, &versionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cycle):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Nodes: cycle.NodeUUIDs})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Problems: invalid.Problems})
	default:
		s.logger.Error("request failed", append(attrs, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
