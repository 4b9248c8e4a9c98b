package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// DefaultRecentSample is how many recent runs are kept per edge.
const DefaultRecentSample = 5

type counterKind int

const (
	pathCounter counterKind = iota
	nodeCounter
	categoryCounter
)

type counterKey struct {
	kind     counterKind
	flow     string
	path     domain.PathKey
	node     string
	category domain.CategoryKey
}

type recentKey struct {
	flow string
	path domain.PathKey
}

// Counters implements ports.CounterStore in memory. Every Record appends
// delta rows; Squash collapses the rows of each key into one.
type Counters struct {
	mu     sync.Mutex
	rows   map[counterKey][]int64
	names  map[domain.CategoryKey]string
	recent map[recentKey][]domain.RecentRun
	sample int
}

var _ ports.CounterStore = (*Counters)(nil)

// NewCounters creates an empty counter store keeping sample recent runs
// per edge. A sample of 0 uses DefaultRecentSample.
func NewCounters(sample int) *Counters {
	if sample <= 0 {
		sample = DefaultRecentSample
	}
	return &Counters{
		rows:   make(map[counterKey][]int64),
		names:  make(map[domain.CategoryKey]string),
		recent: make(map[recentKey][]domain.RecentRun),
		sample: sample,
	}
}

// Record appends the deltas of batch.
func (c *Counters) Record(ctx context.Context, batch domain.ActivityBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range batch.Paths {
		k := counterKey{kind: pathCounter, flow: d.FlowUUID, path: d.PathKey}
		c.rows[k] = append(c.rows[k], d.Count)
	}
	for _, d := range batch.Nodes {
		k := counterKey{kind: nodeCounter, flow: d.FlowUUID, node: d.NodeUUID}
		c.rows[k] = append(c.rows[k], d.Count)
	}
	for _, d := range batch.Categories {
		k := counterKey{kind: categoryCounter, flow: d.FlowUUID, category: d.CategoryKey}
		c.rows[k] = append(c.rows[k], d.Count)
		c.names[d.CategoryKey] = d.ResultName
	}
	for _, r := range batch.Recent {
		k := recentKey{flow: r.FlowUUID, path: r.PathKey}
		samples := append(c.recent[k], r)
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].VisitedOn.After(samples[j].VisitedOn) })
		if len(samples) > c.sample {
			samples = samples[:c.sample]
		}
		c.recent[k] = samples
	}
	return nil
}

// PathCounts sums every edge of a flow.
func (c *Counters) PathCounts(ctx context.Context, flowUUID string) (map[domain.PathKey]int64, error) {
	out := map[domain.PathKey]int64{}
	c.sum(pathCounter, flowUUID, func(k counterKey, total int64) { out[k.path] = total })
	return out, nil
}

// NodeCounts sums every node of a flow.
func (c *Counters) NodeCounts(ctx context.Context, flowUUID string) (map[string]int64, error) {
	out := map[string]int64{}
	c.sum(nodeCounter, flowUUID, func(k counterKey, total int64) { out[k.node] = total })
	return out, nil
}

// CategoryCounts sums every category of a flow.
func (c *Counters) CategoryCounts(ctx context.Context, flowUUID string) (map[domain.CategoryKey]int64, error) {
	out := map[domain.CategoryKey]int64{}
	c.sum(categoryCounter, flowUUID, func(k counterKey, total int64) { out[k.category] = total })
	return out, nil
}

// RecentRuns returns the samples of an edge, newest first.
func (c *Counters) RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RecentRun(nil), c.recent[recentKey{flow: flowUUID, path: key}]...), nil
}

// Squash collapses the rows of each key into a single row.
func (c *Counters) Squash(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, rows := range c.rows {
		if len(rows) < 2 {
			continue
		}
		var total int64
		for _, v := range rows {
			total += v
		}
		removed += len(rows) - 1
		c.rows[k] = []int64{total}
	}
	return removed, nil
}

func (c *Counters) sum(kind counterKind, flowUUID string, fn func(counterKey, int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, rows := range c.rows {
		if k.kind != kind || k.flow != flowUUID {
			continue
		}
		var total int64
		for _, v := range rows {
			total += v
		}
		fn(k, total)
	}
}
