package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultVisitLimit bounds how many nodes one call may enter before the run
// is considered finished.
const DefaultVisitLimit = 100

// Environment is the org-level context rules are evaluated in.
type Environment struct {
	Timezone   *time.Location
	DateFormat rules.DateFormat
	Country    string
	Locations  rules.LocationResolver
}

// Engine is the run state machine. Every call runs under the contact's lock
// and persists what it changed before returning.
type Engine struct {
	flows    ports.FlowRepository
	graphs   ports.GraphLoader
	runs     ports.RunStore
	locker   ports.KeyedLocker
	recorder ports.ActivityRecorder
	webhooks ports.WebhookCaller
	resthook ports.ResthookStore

	env        Environment
	hooks      domain.LifecycleHooks
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newUUID    func() string
	visitLimit int
	sweepBatch int
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) { e.hooks = hooks }
}

// WithGraphLoader replaces the default caching loader over the flow repository.
func WithGraphLoader(loader ports.GraphLoader) EngineOption {
	return func(e *Engine) { e.graphs = loader }
}

// WithLocker sets the per-contact locker. Defaults to an in-process session.Manager.
func WithLocker(locker ports.KeyedLocker) EngineOption {
	return func(e *Engine) { e.locker = locker }
}

// WithActivityRecorder sets where counter deltas go.
func WithActivityRecorder(recorder ports.ActivityRecorder) EngineOption {
	return func(e *Engine) { e.recorder = recorder }
}

// WithWebhookCaller makes webhook steps run inline. Without a caller the
// engine asks the host to make the call (CALL_WEBHOOK) and waits for a
// webhook_result event.
func WithWebhookCaller(caller ports.WebhookCaller) EngineOption {
	return func(e *Engine) { e.webhooks = caller }
}

// WithResthookStore resolves resthook subscribers.
func WithResthookStore(store ports.ResthookStore) EngineOption {
	return func(e *Engine) { e.resthook = store }
}

// WithEnvironment sets the rule evaluation environment.
func WithEnvironment(env Environment) EngineOption {
	return func(e *Engine) { e.env = env }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithUUIDGenerator overrides how run and step identifiers are made.
func WithUUIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newUUID = gen }
}

// WithVisitLimit overrides DefaultVisitLimit.
func WithVisitLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.visitLimit = n
		}
	}
}

// WithTracer sets the tracer used for engine spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// NewEngine creates a new engine with dependencies.
func NewEngine(flows ports.FlowRepository, runs ports.RunStore, opts ...EngineOption) *Engine {
	e := &Engine{
		flows:      flows,
		runs:       runs,
		logger:     logging.NewNop(),
		tracer:     otel.Tracer("github.com/istresearch/rapidpro-sub000/internal/runtime"),
		now:        time.Now,
		newUUID:    uuid.NewString,
		visitLimit: DefaultVisitLimit,
		sweepBatch: 500,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.graphs == nil {
		e.graphs = compiler.NewLoader(flows)
	}
	if e.locker == nil {
		e.locker = session.NewManager(session.WithLogger(e.logger))
	}
	if e.env.Timezone == nil {
		e.env.Timezone = time.UTC
	}
	if e.env.DateFormat == "" {
		e.env.DateFormat = rules.DayFirst
	}
	return e
}

var _ ports.FlowEngine = (*Engine)(nil)

// Start puts a contact into a flow. An existing active run of the same flow
// makes this a no-op unless req.Restart is set; any other active runs of the
// contact are interrupted.
func (e *Engine) Start(ctx context.Context, req domain.StartRequest) (*domain.Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start", trace.WithAttributes(
		attribute.String("flow.uuid", req.FlowUUID),
		attribute.String("contact.uuid", req.ContactUUID),
	))
	defer span.End()

	var out *domain.Outcome
	err := e.locker.WithLock(ctx, session.ContactKey(req.ContactUUID), func(ctx context.Context) error {
		var err error
		out, err = e.start(ctx, req)
		return err
	})
	return out, err
}

func (e *Engine) start(ctx context.Context, req domain.StartRequest) (*domain.Outcome, error) {
	logger := e.logger.With("flow_uuid", req.FlowUUID, "contact_uuid", req.ContactUUID)

	flow, err := e.flows.GetFlow(ctx, req.FlowUUID)
	if err != nil {
		return nil, err
	}
	if flow.IsArchived || !flow.IsActive {
		logger.Info("flow is not active, start ignored")
		return &domain.Outcome{}, nil
	}

	active, err := e.runs.ActiveForContact(ctx, req.ContactUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active runs: %w", err)
	}
	if !req.Restart {
		for _, r := range active {
			if r.FlowUUID == req.FlowUUID {
				logger.Debug("contact already in flow, start is a no-op", "run_uuid", r.UUID)
				return &domain.Outcome{}, nil
			}
		}
	}

	sp := newSprint(e.now(), "")
	for _, r := range active {
		sp.track(r)
	}
	for _, r := range active {
		if r.IsActive {
			if err := e.finish(ctx, sp, r, domain.StatusInterrupted); err != nil {
				return nil, err
			}
		}
	}

	run := domain.NewRun(e.newUUID(), req.FlowUUID, req.ContactUUID, sp.now)
	run.Language = req.Language
	for k, v := range req.Extra {
		run.Extra[k] = v
	}
	if err := e.enter(ctx, sp, run); err != nil {
		return nil, err
	}

	out, discarded, err := e.commit(ctx, sp)
	if err != nil {
		return nil, err
	}
	out.Handled = !discarded
	return out, nil
}

// Handle applies an inbound event to the contact's innermost waiting run, or
// to event.RunUUID when set. Events nobody waits for are ignored, not errors.
func (e *Engine) Handle(ctx context.Context, event domain.Event) (*domain.Outcome, error) {
	if event.UUID == "" {
		event.UUID = e.newUUID()
	}
	if event.CreatedOn.IsZero() {
		event.CreatedOn = e.now()
	}

	ctx, span := e.tracer.Start(ctx, "engine.handle", trace.WithAttributes(
		attribute.String("event.uuid", event.UUID),
		attribute.String("event.type", string(event.Type)),
		attribute.String("contact.uuid", event.ContactUUID),
	))
	defer span.End()

	var out *domain.Outcome
	err := e.locker.WithLock(ctx, session.ContactKey(event.ContactUUID), func(ctx context.Context) error {
		var err error
		out, err = e.handle(ctx, event)
		return err
	})
	if err == nil {
		span.SetAttributes(attribute.Bool("event.handled", out.Handled))
	}
	return out, err
}

func (e *Engine) handle(ctx context.Context, event domain.Event) (*domain.Outcome, error) {
	logger := e.logger.With("event_uuid", event.UUID, "contact_uuid", event.ContactUUID)

	active, err := e.runs.ActiveForContact(ctx, event.ContactUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active runs: %w", err)
	}
	for _, r := range active {
		if r.HasHandled(event.UUID) {
			logger.Debug("event already applied", "run_uuid", r.UUID)
			return &domain.Outcome{Handled: true}, nil
		}
	}

	run, err := e.target(ctx, event, active)
	if err != nil {
		return nil, err
	}
	if run == nil {
		logger.Debug("no run waiting for event", "type", event.Type)
		return &domain.Outcome{}, nil
	}
	if run.HasHandled(event.UUID) {
		logger.Debug("event already applied", "run_uuid", run.UUID)
		return &domain.Outcome{Handled: true}, nil
	}

	sp := newSprint(e.now(), event.UUID)
	sp.track(run)

	handled, err := e.resume(ctx, sp, run, event)
	if err != nil {
		return nil, err
	}
	if handled {
		sp.markApplied()
	}
	out, discarded, err := e.commit(ctx, sp)
	if err != nil {
		return nil, err
	}
	out.Handled = handled && !discarded
	return out, nil
}

// target finds the run an event is meant for among the contact's active
// runs, or loads event.RunUUID when set.
func (e *Engine) target(ctx context.Context, event domain.Event, active []*domain.Run) (*domain.Run, error) {
	if event.RunUUID != "" {
		run, err := e.runs.Get(ctx, event.RunUUID)
		if errors.Is(err, domain.ErrRunNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if run.ContactUUID != event.ContactUUID || !run.IsActive {
			return nil, nil
		}
		return run, nil
	}

	// innermost is the most recently started waiting run
	for i := len(active) - 1; i >= 0; i-- {
		if active[i].Status == domain.StatusWaiting {
			return active[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) graph(ctx context.Context, sp *sprint, flowUUID string) (*domain.Graph, error) {
	if g, ok := sp.graphs[flowUUID]; ok {
		return g, nil
	}
	g, err := e.graphs.GetGraph(ctx, flowUUID, 0)
	if err != nil {
		return nil, err
	}
	sp.graphs[flowUUID] = g
	return g, nil
}

func (e *Engine) rulesContext(run *domain.Run, now time.Time) *rules.Context {
	results := make(map[string]string, len(run.Results))
	for k, r := range run.Results {
		results[k] = r.Value
	}
	return &rules.Context{
		Now:        now,
		Timezone:   e.env.Timezone,
		DateFormat: e.env.DateFormat,
		Country:    e.env.Country,
		Locations:  e.env.Locations,
		Results:    results,
	}
}
