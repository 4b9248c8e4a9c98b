package activity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// Aggregator combines run queries and counter sums into the reporting views.
type Aggregator struct {
	runs     ports.RunStore
	counters ports.CounterStore
	graphs   ports.GraphLoader
	logger   *slog.Logger
	onSquash func(rows int)

	// serializes squashes; reads never wait on it
	mu sync.Mutex
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSquashObserver is told how many rows every squash removed.
func WithSquashObserver(fn func(rows int)) Option {
	return func(a *Aggregator) { a.onSquash = fn }
}

// NewAggregator creates a new aggregator.
func NewAggregator(runs ports.RunStore, counters ports.CounterStore, graphs ports.GraphLoader, opts ...Option) *Aggregator {
	a := &Aggregator{
		runs:     runs,
		counters: counters,
		graphs:   graphs,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ ports.Reporter = (*Aggregator)(nil)

// RunStats counts a flow's runs by status. Waiting runs count as active.
func (a *Aggregator) RunStats(ctx context.Context, flowUUID string) (*domain.RunStats, error) {
	counts, err := a.runs.CountByStatus(ctx, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	stats := &domain.RunStats{
		Active:      counts[domain.StatusActive] + counts[domain.StatusWaiting],
		Completed:   counts[domain.StatusCompleted],
		Expired:     counts[domain.StatusExpired],
		Interrupted: counts[domain.StatusInterrupted],
		Failed:      counts[domain.StatusFailed],
	}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Total > 0 {
		pct := float64(stats.Completed) / float64(stats.Total) * 100
		stats.CompletionPct = math.Round(pct*100) / 100
	}
	return stats, nil
}

// CategoryCounts returns one summary per result of the current revision, with
// categories in declared order. Categories that only exist in older revisions
// are appended after the declared ones.
func (a *Aggregator) CategoryCounts(ctx context.Context, flowUUID string) ([]domain.ResultSummary, error) {
	graph, err := a.graphs.GetGraph(ctx, flowUUID, 0)
	if err != nil {
		return nil, err
	}
	counts, err := a.counters.CategoryCounts(ctx, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read category counts: %w", err)
	}

	specs := graph.Results()
	summaries := make([]domain.ResultSummary, 0, len(specs))
	for _, spec := range specs {
		summary := domain.ResultSummary{Key: spec.Key, Name: spec.Name, Categories: []domain.CategoryCount{}}
		seen := map[string]bool{}
		for _, name := range spec.Categories {
			seen[name] = true
			summary.Categories = append(summary.Categories, domain.CategoryCount{
				Name:  name,
				Count: counts[domain.CategoryKey{ResultKey: spec.Key, Category: name}],
			})
		}
		for _, name := range legacyCategories(counts, spec.Key, seen) {
			summary.Categories = append(summary.Categories, domain.CategoryCount{
				Name:  name,
				Count: counts[domain.CategoryKey{ResultKey: spec.Key, Category: name}],
			})
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// legacyCategories returns counted categories of key missing from seen,
// sorted by name, skipping those that netted out to zero.
func legacyCategories(counts map[domain.CategoryKey]int64, key string, seen map[string]bool) []string {
	var names []string
	for k, n := range counts {
		if k.ResultKey == key && !seen[k.Category] && n != 0 {
			names = append(names, k.Category)
		}
	}
	sort.Strings(names)
	return names
}

// Activity returns where runs wait right now, queried live from the run
// store, alongside the cumulative edge crossings and the node counters.
func (a *Aggregator) Activity(ctx context.Context, flowUUID string) (*domain.Activity, error) {
	waiting, err := a.runs.WaitingByNode(ctx, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to count waiting runs: %w", err)
	}
	nodes, err := a.counters.NodeCounts(ctx, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read node counts: %w", err)
	}
	paths, err := a.counters.PathCounts(ctx, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read path counts: %w", err)
	}

	act := &domain.Activity{
		Active:  make(map[string]int, len(waiting)),
		Resting: make(map[string]int64, len(nodes)),
		Paths:   make(map[string]int64, len(paths)),
	}
	for node, n := range waiting {
		if n > 0 {
			act.Active[node] = n
		}
	}
	for node, n := range nodes {
		if n > 0 {
			act.Resting[node] = n
		}
	}
	for key, n := range paths {
		if n > 0 {
			act.Paths[key.FromUUID+":"+key.ToUUID] = n
		}
	}
	return act, nil
}

// RecentRuns returns the preview samples of contacts crossing an edge.
func (a *Aggregator) RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error) {
	recent, err := a.counters.RecentRuns(ctx, flowUUID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent runs: %w", err)
	}
	if recent == nil {
		recent = []domain.RecentRun{}
	}
	return recent, nil
}

// Squash folds pending deltas into totals. Concurrent calls on the same
// Aggregator run one after the other.
func (a *Aggregator) Squash(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.counters.Squash(ctx)
	if err != nil {
		return 0, fmt.Errorf("squash failed: %w", err)
	}
	if a.onSquash != nil {
		a.onSquash(rows)
	}
	a.logger.Info("squashed activity counters", "rows", rows)
	return rows, nil
}
