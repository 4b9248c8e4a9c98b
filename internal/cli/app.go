package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	backend "github.com/redis/go-redis/v9"

	rapidpro "github.com/istresearch/rapidpro-sub000"
	"github.com/istresearch/rapidpro-sub000/internal/config"
	"github.com/istresearch/rapidpro-sub000/internal/telemetry"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/bus"
	httpadapter "github.com/istresearch/rapidpro-sub000/pkg/adapters/http"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/redis"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/sqlstore"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/observability"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/rules"
	"github.com/istresearch/rapidpro-sub000/pkg/scheduler"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
	"github.com/istresearch/rapidpro-sub000/pkg/webhook"
)

// App is the service assembled from a Config: the engine and every store,
// bus and scheduler around it.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Engine    *rapidpro.Engine
	Metrics   *observability.Metrics
	Locker    *session.Manager
	Campaigns *memory.Campaigns
	Channels  *memory.Channels
	Resthooks *memory.Resthooks

	// Dispatcher performs actions of outcomes that have no caller waiting
	// on them: queued events and campaign fires.
	Dispatcher ports.ActionDispatcher

	counters ports.CounterStore
	pubsub   *gochannel.GoChannel
	queue    *bus.EventQueue
	closers  []func() error
	shutdown telemetry.Shutdown
}

// NewApp connects the stores named by cfg. Redis, when configured, holds
// runs, counters and locks; a database holds flows, plus runs and counters
// when there is no redis. Everything else stays in memory.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Campaigns: memory.NewCampaigns(),
		Channels:  memory.NewChannels(cfg.Devices.Channels),
		Resthooks: memory.NewResthooks(),
	}
	app.Dispatcher = LogDispatcher{Logger: logger}

	tracer, shutdown, err := telemetry.NewTracer(cfg.Telemetry.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}
	app.shutdown = shutdown

	opts := []rapidpro.Option{
		rapidpro.WithLogger(logger),
		rapidpro.WithTracer(tracer),
		rapidpro.WithVisitLimit(cfg.Engine.VisitLimit),
		rapidpro.WithResthookStore(app.Resthooks),
	}
	if cfg.Engine.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Engine.Timezone, err)
		}
		opts = append(opts, rapidpro.WithTimezone(loc))
	}
	opts = append(opts, rapidpro.WithDateFormat(rules.DateFormat(cfg.Engine.DateFormat)))
	if cfg.Devices.Country != "" {
		opts = append(opts, rapidpro.WithCountry(strings.ToUpper(cfg.Devices.Country)))
	}
	lockOpts := []session.Option{
		session.WithLogger(logger),
		session.WithLockTTL(cfg.Engine.LockTTL),
		session.WithLockWait(cfg.Engine.LockWait),
	}

	var runs ports.RunStore
	if cfg.Redis.Addr != "" {
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = app.Close(ctx)
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		app.closers = append(app.closers, client.Close)
		runs = redis.NewFromClient(client, redis.WithPrefix(cfg.Redis.Prefix))
		app.counters = redis.NewCounters(client, cfg.Redis.Prefix, cfg.Engine.RecentSample)
		lockOpts = append(lockOpts, session.WithLocker(redis.NewLocker(client, cfg.Redis.Prefix)))
		logger.Info("using redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Database.Driver != "" {
		db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, sqlstore.WithLogger(logger))
		if err != nil {
			_ = app.Close(ctx)
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
		opts = append(opts, rapidpro.WithFlowRepository(sqlstore.NewFlows(db)))
		if runs == nil {
			runs = sqlstore.NewRunStore(db)
			app.counters = sqlstore.NewCounters(db, cfg.Engine.RecentSample)
		}
		logger.Info("using database", "driver", cfg.Database.Driver)
	}

	if runs == nil {
		runs = memory.NewStore()
		app.counters = memory.NewCounters(cfg.Engine.RecentSample)
	}
	opts = append(opts, rapidpro.WithRunStore(runs), rapidpro.WithCounterStore(app.counters))

	app.Locker = session.NewManager(lockOpts...)
	opts = append(opts, rapidpro.WithLocker(app.Locker))

	hooks := DebugHooks(logger)
	if cfg.Telemetry.Metrics {
		app.Metrics = observability.NewMetrics()
		hooks = app.Metrics.Hooks(hooks)
		opts = append(opts, rapidpro.WithSquashObserver(app.Metrics.ObserveSquash))
	}
	opts = append(opts, rapidpro.WithLifecycleHooks(hooks))

	if !cfg.Engine.HostWebhooks {
		opts = append(opts, rapidpro.WithWebhookCaller(webhook.New(
			webhook.WithTimeout(cfg.Engine.WebhookTimeout),
			webhook.WithLogger(logger),
			webhook.WithTracer(tracer),
		)))
	}

	if cfg.Engine.AsyncActivity {
		app.pubsub = bus.NewInMemory(logger)
		app.queue = bus.NewEventQueue(app.pubsub)
		opts = append(opts, rapidpro.WithActivityRecorder(bus.NewActivityPublisher(app.pubsub)))
	}

	app.Engine = rapidpro.New(opts...)
	return app, nil
}

// Consume starts the bus consumers when activity is asynchronous. Handled
// events are passed to onOutcome. It returns immediately.
func (a *App) Consume(ctx context.Context, onOutcome func(context.Context, domain.Event, *domain.Outcome)) {
	if a.pubsub == nil {
		return
	}
	go func() {
		if err := bus.ConsumeActivity(ctx, a.pubsub, a.counters, a.Logger); err != nil {
			a.Logger.Error("activity consumer stopped", "error", err)
		}
	}()
	go func() {
		if err := bus.ConsumeEvents(ctx, a.pubsub, a.Engine, onOutcome, a.Logger); err != nil {
			a.Logger.Error("event consumer stopped", "error", err)
		}
	}()
}

// HTTPServer builds the HTTP adapter over the engine.
func (a *App) HTTPServer() *httpadapter.Server {
	opts := []httpadapter.Option{
		httpadapter.WithLogger(a.Logger),
		httpadapter.WithFlowRepository(a.Engine.Flows()),
	}
	if len(a.Config.Devices.Channels) > 0 {
		opts = append(opts, httpadapter.WithDeviceSync(a.Channels, strings.ToUpper(a.Config.Devices.Country)))
	}
	if a.queue != nil {
		opts = append(opts, httpadapter.WithEventQueue(a.queue))
	}
	if a.Metrics != nil {
		opts = append(opts, httpadapter.WithMetricsHandler(a.Metrics.Handler()))
	}
	return httpadapter.NewServer(a.Engine, a.Engine, opts...)
}

// Scheduler builds the periodic sweeps from the scheduler config.
func (a *App) Scheduler(onOutcome func(context.Context, *domain.Outcome)) *scheduler.Scheduler {
	cfg := a.Config.Scheduler
	return scheduler.New(a.Engine, a.Engine,
		scheduler.WithLogger(a.Logger),
		scheduler.WithSpecs(scheduler.Specs{
			Expire:    cfg.Expire,
			Timeout:   cfg.Timeout,
			Squash:    cfg.Squash,
			Campaigns: cfg.Campaigns,
		}),
		scheduler.WithCampaigns(a.Campaigns, a.Engine),
		scheduler.WithLocker(a.Locker),
		scheduler.WithOutcomeHandler(onOutcome),
	)
}

// Deliver hands every action of out to the dispatcher. Failures are
// logged; the run has already moved on.
func (a *App) Deliver(ctx context.Context, out *domain.Outcome) {
	for _, action := range out.Actions {
		if err := a.Dispatcher.Dispatch(ctx, action); err != nil {
			a.Logger.Warn("failed to dispatch action", "type", action.Type, "error", err)
		}
	}
}

// LogDispatcher logs each action request. It stands in for a channel
// sender when no host is attached.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, req domain.ActionRequest) error {
	if msg, ok := req.Payload.(domain.MsgOut); ok {
		d.Logger.Info("send message", "contact_uuid", msg.ContactUUID, "run_uuid", msg.RunUUID, "text", msg.Text)
		return nil
	}
	d.Logger.Info("action requested", "type", req.Type)
	return nil
}

// Close releases connections and flushes traces.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// DebugHooks logs engine lifecycle events at debug level.
func DebugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) {
			logger.Debug("enter node", "flow_uuid", e.FlowUUID, "run_uuid", e.RunUUID, "node_uuid", e.NodeUUID, "type", e.NodeType)
		},
		OnRunExit: func(ctx context.Context, e *domain.RunExitEvent) {
			logger.Debug("run exited", "flow_uuid", e.FlowUUID, "run_uuid", e.RunUUID, "status", e.Status)
		},
		OnWebhookCalled: func(ctx context.Context, e *domain.WebhookEvent) {
			logger.Debug("webhook called", "run_uuid", e.RunUUID, "url", e.URL, "status", e.Status, "duration", e.Duration)
		},
	}
}
