// Package scheduler runs the periodic engine jobs: expiring abandoned runs,
// firing wait timeouts, squashing activity counters and firing due campaign
// events. Every job is idempotent, so a missed or doubled tick is harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
	"github.com/robfig/cron/v3"
)

// Sweeper ends runs whose wait ran out.
type Sweeper interface {
	ExpireRuns(ctx context.Context) (int, error)
	TimeoutRuns(ctx context.Context) (int, error)
}

// Squasher folds counter deltas.
type Squasher interface {
	Squash(ctx context.Context) (int, error)
}

// Starter puts contacts into flows.
type Starter interface {
	Start(ctx context.Context, req domain.StartRequest) (*domain.Outcome, error)
}

// Specs are the cron expressions of each job. An empty spec disables the job.
type Specs struct {
	Expire    string
	Timeout   string
	Squash    string
	Campaigns string
}

// DefaultSpecs runs sweeps every minute and squashes every five.
var DefaultSpecs = Specs{
	Expire:    "@every 1m",
	Timeout:   "@every 1m",
	Squash:    "@every 5m",
	Campaigns: "@every 1m",
}

// Scheduler owns the cron loop.
type Scheduler struct {
	sweeper   Sweeper
	squasher  Squasher
	starter   Starter
	campaigns ports.CampaignStore
	locker    ports.KeyedLocker

	specs     Specs
	logger    *slog.Logger
	now       func() time.Time
	onOutcome func(context.Context, *domain.Outcome)
	cron      *cron.Cron
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSpecs overrides DefaultSpecs.
func WithSpecs(specs Specs) Option {
	return func(s *Scheduler) { s.specs = specs }
}

// WithCampaigns enables campaign fires. starter receives the starts.
func WithCampaigns(store ports.CampaignStore, starter Starter) Option {
	return func(s *Scheduler) {
		s.campaigns = store
		s.starter = starter
	}
}

// WithLocker sets the per-flow locker used by campaign sweeps.
func WithLocker(locker ports.KeyedLocker) Option {
	return func(s *Scheduler) { s.locker = locker }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOutcomeHandler receives the outcome of every campaign start, so the
// host can perform the actions it asks for.
func WithOutcomeHandler(fn func(context.Context, *domain.Outcome)) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// New creates a scheduler. squasher may be nil when counters are squashed elsewhere.
func New(sweeper Sweeper, squasher Squasher, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		squasher: squasher,
		specs:    DefaultSpecs,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = session.NewManager(session.WithLogger(s.logger))
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx and
// stop being scheduled once Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	), cron.WithLogger(logger))

	jobs := []job{
		{"expire", s.specs.Expire, s.sweeper.ExpireRuns},
		{"timeout", s.specs.Timeout, s.sweeper.TimeoutRuns},
	}
	if s.squasher != nil {
		jobs = append(jobs, job{"squash", s.specs.Squash, s.squasher.Squash})
	}
	if s.campaigns != nil && s.starter != nil {
		jobs = append(jobs, job{"campaigns", s.specs.Campaigns, s.FireDueCampaigns})
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			n, err := job.run(ctx)
			if err != nil {
				s.logger.Error("job failed", "job", job.name, "error", err)
				return
			}
			if n > 0 {
				s.logger.Debug("job finished", "job", job.name, "count", n)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops scheduling and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// FireDueCampaigns fires the due events of every flow that has some.
func (s *Scheduler) FireDueCampaigns(ctx context.Context) (int, error) {
	flows, err := s.campaigns.PendingFlows(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list pending campaign flows: %w", err)
	}
	total := 0
	for _, flowUUID := range flows {
		n, err := s.FireCampaignEvents(ctx, flowUUID)
		if errors.Is(err, domain.ErrDeferred) {
			// another worker is sweeping this flow
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// FireCampaignEvents starts every due event of a flow under the flow's lock.
// Events already fired are skipped. An event is marked fired only after its
// start went through, so a contact that was busy gets another try on the
// next sweep; a repeated start of a contact already in the flow is a no-op.
func (s *Scheduler) FireCampaignEvents(ctx context.Context, flowUUID string) (int, error) {
	if s.campaigns == nil || s.starter == nil {
		return 0, nil
	}
	fired := 0
	err := s.locker.WithLock(ctx, session.FlowKey(flowUUID), func(ctx context.Context) error {
		now := s.now()
		due, err := s.campaigns.DueFires(ctx, flowUUID, now)
		if err != nil {
			return fmt.Errorf("failed to load due fires: %w", err)
		}
		for _, fire := range due {
			out, err := s.starter.Start(ctx, domain.StartRequest{FlowUUID: fire.FlowUUID, ContactUUID: fire.ContactUUID})
			if errors.Is(err, domain.ErrDeferred) {
				s.logger.Debug("contact busy, fire left for next sweep", "fire_id", fire.ID)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to fire %s: %w", fire.ID, err)
			}
			ok, err := s.campaigns.MarkFired(ctx, fire.ID, now)
			if err != nil {
				return fmt.Errorf("failed to mark %s fired: %w", fire.ID, err)
			}
			if !ok {
				continue
			}
			fired++
			if s.onOutcome != nil {
				s.onOutcome(ctx, out)
			}
		}
		return nil
	})
	if err != nil {
		return fired, err
	}
	if fired > 0 {
		s.logger.Info("fired campaign events", "flow_uuid", flowUUID, "count", fired)
	}
	return fired, nil
}

type job struct {
	name string
	spec string
	run  func(context.Context) (int, error)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
