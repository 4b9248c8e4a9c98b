package rapidpro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/internal/validator"
	"github.com/istresearch/rapidpro-sub000/pkg/activity"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
	"go.opentelemetry.io/otel/trace"
)

// Version is the release version, set at build time.
var Version = "dev"

// Engine is the high-level entry point of the library. It wires the run
// state machine to its stores and exposes the reporting reads next to it.
type Engine struct {
	runtime  *runtime.Engine
	reporter *activity.Aggregator
	flows    ports.FlowRepository
	runs     ports.RunStore
	counters ports.CounterStore
	recorder ports.ActivityRecorder
	graphs   ports.GraphLoader

	env         runtime.Environment
	runtimeOpts []runtime.EngineOption
	hooks       domain.LifecycleHooks
	onSquash    func(int)
	logger      *slog.Logger
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) { e.hooks = hooks }
}

// WithFlowRepository replaces the in-memory flow repository.
func WithFlowRepository(flows ports.FlowRepository) Option {
	return func(e *Engine) { e.flows = flows }
}

// WithRunStore replaces the in-memory run store.
func WithRunStore(runs ports.RunStore) Option {
	return func(e *Engine) { e.runs = runs }
}

// WithCounterStore replaces the in-memory activity counters.
func WithCounterStore(counters ports.CounterStore) Option {
	return func(e *Engine) { e.counters = counters }
}

// WithActivityRecorder sends counter deltas somewhere other than the
// counter store, such as a message bus feeding it asynchronously.
func WithActivityRecorder(recorder ports.ActivityRecorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

// WithLocker sets the per-contact locker.
func WithLocker(locker ports.KeyedLocker) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithLocker(locker)) }
}

// WithWebhookCaller makes webhook steps run inline.
func WithWebhookCaller(caller ports.WebhookCaller) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithWebhookCaller(caller)) }
}

// WithResthookStore resolves resthook subscribers.
func WithResthookStore(store ports.ResthookStore) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithResthookStore(store)) }
}

// WithTracer sets the tracer used for engine spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithTracer(tracer)) }
}

// WithVisitLimit bounds how many nodes one call may enter.
func WithVisitLimit(n int) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithVisitLimit(n)) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.runtimeOpts = append(e.runtimeOpts, runtime.WithClock(now)) }
}

// WithTimezone sets the org timezone used by date tests.
func WithTimezone(loc *time.Location) Option {
	return func(e *Engine) { e.env.Timezone = loc }
}

// WithDateFormat sets whether ambiguous dates are read day or month first.
func WithDateFormat(format rules.DateFormat) Option {
	return func(e *Engine) { e.env.DateFormat = format }
}

// WithCountry sets the default country of phone tests.
func WithCountry(country string) Option {
	return func(e *Engine) { e.env.Country = country }
}

// WithLocations sets the boundary resolver used by location tests.
func WithLocations(locations rules.LocationResolver) Option {
	return func(e *Engine) { e.env.Locations = locations }
}

// WithSquashObserver is told how many counter rows each squash folded.
func WithSquashObserver(fn func(rows int)) Option {
	return func(e *Engine) { e.onSquash = fn }
}

// New creates an Engine. Stores that are not given are kept in memory.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.flows == nil {
		e.flows = memory.NewFlows()
	}
	if e.runs == nil {
		e.runs = memory.NewStore()
	}
	if e.counters == nil {
		e.counters = memory.NewCounters(0)
	}
	if e.recorder == nil {
		e.recorder = e.counters
	}
	e.graphs = compiler.NewLoader(e.flows)

	runtimeOpts := []runtime.EngineOption{
		runtime.WithLogger(e.logger),
		runtime.WithLifecycleHooks(e.hooks),
		runtime.WithGraphLoader(e.graphs),
		runtime.WithActivityRecorder(e.recorder),
		runtime.WithEnvironment(e.env),
	}
	e.runtime = runtime.NewEngine(e.flows, e.runs, append(runtimeOpts, e.runtimeOpts...)...)

	aggOpts := []activity.Option{activity.WithLogger(e.logger)}
	if e.onSquash != nil {
		aggOpts = append(aggOpts, activity.WithSquashObserver(e.onSquash))
	}
	e.reporter = activity.NewAggregator(e.runs, e.counters, e.graphs, aggOpts...)
	return e
}

var (
	_ ports.FlowEngine = (*Engine)(nil)
	_ ports.Reporter   = (*Engine)(nil)
)

// Start puts a contact into a flow.
func (e *Engine) Start(ctx context.Context, req domain.StartRequest) (*domain.Outcome, error) {
	return e.runtime.Start(ctx, req)
}

// Handle applies an inbound event for a contact. Redelivering an event UUID
// is a no-op. domain.ErrDeferred means the contact was busy and the event
// must be retried.
func (e *Engine) Handle(ctx context.Context, event domain.Event) (*domain.Outcome, error) {
	return e.runtime.Handle(ctx, event)
}

// SaveRevision validates a definition and makes it the flow's current revision.
func (e *Engine) SaveRevision(ctx context.Context, req domain.RevisionRequest) (*domain.Revision, error) {
	return e.runtime.SaveRevision(ctx, req)
}

// ExpireRuns ends waiting runs past their expiry.
func (e *Engine) ExpireRuns(ctx context.Context) (int, error) {
	return e.runtime.ExpireRuns(ctx)
}

// TimeoutRuns delivers timeout events to runs whose wait timed out.
func (e *Engine) TimeoutRuns(ctx context.Context) (int, error) {
	return e.runtime.TimeoutRuns(ctx)
}

// DeleteRuns removes runs and takes their category counts back.
func (e *Engine) DeleteRuns(ctx context.Context, runUUIDs []string) (int, error) {
	return e.runtime.DeleteRuns(ctx, runUUIDs)
}

// Squash folds pending counter deltas into totals.
func (e *Engine) Squash(ctx context.Context) (int, error) {
	return e.reporter.Squash(ctx)
}

func (e *Engine) RunStats(ctx context.Context, flowUUID string) (*domain.RunStats, error) {
	return e.reporter.RunStats(ctx, flowUUID)
}

func (e *Engine) CategoryCounts(ctx context.Context, flowUUID string) ([]domain.ResultSummary, error) {
	return e.reporter.CategoryCounts(ctx, flowUUID)
}

func (e *Engine) Activity(ctx context.Context, flowUUID string) (*domain.Activity, error) {
	return e.reporter.Activity(ctx, flowUUID)
}

func (e *Engine) RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error) {
	return e.reporter.RecentRuns(ctx, flowUUID, key)
}

// Flows returns the flow repository.
func (e *Engine) Flows() ports.FlowRepository {
	return e.flows
}

// Runs returns the run store.
func (e *Engine) Runs() ports.RunStore {
	return e.runs
}

// ImportFlow stores definition as the next revision of the flow it names,
// creating the flow first when it is new. The flow UUID is read from the
// definition.
func (e *Engine) ImportFlow(ctx context.Context, name string, definition []byte) (*domain.Flow, error) {
	g, err := compiler.Parse(definition)
	if err != nil {
		return nil, &domain.FlowValidationError{Problems: []string{err.Error()}}
	}
	if g.FlowUUID == "" {
		return nil, &domain.FlowValidationError{Problems: []string{"definition has no flow_uuid"}}
	}

	flow, err := e.flows.GetFlow(ctx, g.FlowUUID)
	if errors.Is(err, domain.ErrFlowNotFound) {
		flow = &domain.Flow{
			UUID:                g.FlowUUID,
			Name:                name,
			BaseLanguage:        g.BaseLanguage,
			ExpiresAfterMinutes: g.ExpiresAfterMinutes,
			IsActive:            true,
		}
		if err := e.flows.SaveFlow(ctx, flow); err != nil {
			return nil, fmt.Errorf("failed to create flow: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	if _, err := e.SaveRevision(ctx, domain.RevisionRequest{
		FlowUUID:     flow.UUID,
		BaseRevision: flow.Revision,
		SpecVersion:  g.SpecVersion,
		Definition:   definition,
		SavedBy:      "import",
	}); err != nil {
		return nil, err
	}
	return e.flows.GetFlow(ctx, flow.UUID)
}

// Validate parses and checks a definition without storing it.
func Validate(definition []byte) (*domain.Graph, error) {
	g, err := compiler.Parse(definition)
	if err != nil {
		return nil, &domain.FlowValidationError{Problems: []string{err.Error()}}
	}
	if err := validator.Validate(g); err != nil {
		return g, err
	}
	return g, nil
}
