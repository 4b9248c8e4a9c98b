package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultRecentSample is how many recent runs are kept per edge.
const DefaultRecentSample = 5

// squashRetries bounds optimistic retries when deltas arrive mid-squash.
const squashRetries = 5

// delta is one pending counter row.
type delta struct {
	Kind  string `json:"k"`
	Field string `json:"f"`
	Count int64  `json:"n"`
}

const (
	kindPath     = "paths"
	kindNode     = "nodes"
	kindCategory = "categories"
)

// Counters implements ports.CounterStore on Redis. Record appends delta rows
// to a per-flow list; Squash folds them into per-flow total hashes.
//
//	<prefix>pending:<flow>          LIST of JSON delta rows
//	<prefix>pending                 SET of flows with pending rows
//	<prefix><kind>:<flow>           HASH field -> squashed total
//	<prefix>recent:<flow>:<from>:<to>  LIST of recent run samples, newest first
type Counters struct {
	client backend.UniversalClient
	prefix string
	sample int
}

var _ ports.CounterStore = (*Counters)(nil)

// NewCounters creates a counter store sharing the client of a run store.
func NewCounters(client backend.UniversalClient, prefix string, sample int) *Counters {
	if sample <= 0 {
		sample = DefaultRecentSample
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Counters{client: client, prefix: prefix, sample: sample}
}

func (c *Counters) pendingKey(flowUUID string) string { return c.prefix + "pending:" + flowUUID }
func (c *Counters) pendingSet() string                { return c.prefix + "pending" }
func (c *Counters) totalsKey(kind, flowUUID string) string {
	return c.prefix + kind + ":" + flowUUID
}
func (c *Counters) recentKey(flowUUID string, key domain.PathKey) string {
	return c.prefix + "recent:" + flowUUID + ":" + pathField(key)
}

func pathField(key domain.PathKey) string { return key.FromUUID + ":" + key.ToUUID }

func categoryField(key domain.CategoryKey) string { return key.ResultKey + ":" + key.Category }

// Record appends the deltas of batch in one round trip.
func (c *Counters) Record(ctx context.Context, batch domain.ActivityBatch) error {
	rows := map[string][]any{}
	add := func(flow string, d delta) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		rows[flow] = append(rows[flow], data)
		return nil
	}
	for _, d := range batch.Paths {
		if err := add(d.FlowUUID, delta{Kind: kindPath, Field: pathField(d.PathKey), Count: d.Count}); err != nil {
			return err
		}
	}
	for _, d := range batch.Nodes {
		if err := add(d.FlowUUID, delta{Kind: kindNode, Field: d.NodeUUID, Count: d.Count}); err != nil {
			return err
		}
	}
	for _, d := range batch.Categories {
		if err := add(d.FlowUUID, delta{Kind: kindCategory, Field: categoryField(d.CategoryKey), Count: d.Count}); err != nil {
			return err
		}
	}

	_, err := c.client.Pipelined(ctx, func(pipe backend.Pipeliner) error {
		for flow, values := range rows {
			pipe.RPush(ctx, c.pendingKey(flow), values...)
			pipe.SAdd(ctx, c.pendingSet(), flow)
		}
		for _, r := range batch.Recent {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			key := c.recentKey(r.FlowUUID, r.PathKey)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, int64(c.sample-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// PathCounts sums every edge of a flow.
func (c *Counters) PathCounts(ctx context.Context, flowUUID string) (map[domain.PathKey]int64, error) {
	sums, err := c.sum(ctx, kindPath, flowUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.PathKey]int64, len(sums))
	for field, n := range sums {
		from, to, _ := strings.Cut(field, ":")
		out[domain.PathKey{FromUUID: from, ToUUID: to}] = n
	}
	return out, nil
}

// NodeCounts sums every node of a flow.
func (c *Counters) NodeCounts(ctx context.Context, flowUUID string) (map[string]int64, error) {
	return c.sum(ctx, kindNode, flowUUID)
}

// CategoryCounts sums every category of a flow.
func (c *Counters) CategoryCounts(ctx context.Context, flowUUID string) (map[domain.CategoryKey]int64, error) {
	sums, err := c.sum(ctx, kindCategory, flowUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.CategoryKey]int64, len(sums))
	for field, n := range sums {
		key, category, _ := strings.Cut(field, ":")
		out[domain.CategoryKey{ResultKey: key, Category: category}] = n
	}
	return out, nil
}

// RecentRuns returns the samples of an edge, newest first.
func (c *Counters) RecentRuns(ctx context.Context, flowUUID string, key domain.PathKey) ([]domain.RecentRun, error) {
	vals, err := c.client.LRange(ctx, c.recentKey(flowUUID, key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent runs: %w", err)
	}
	out := make([]domain.RecentRun, 0, len(vals))
	for _, v := range vals {
		var r domain.RecentRun
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("failed to decode recent run: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// sum adds squashed totals and pending rows of one kind. Both are read in
// one MULTI so a squash cannot move rows between the two reads.
func (c *Counters) sum(ctx context.Context, kind, flowUUID string) (map[string]int64, error) {
	var totalsCmd *backend.MapStringStringCmd
	var pendingCmd *backend.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		totalsCmd = pipe.HGetAll(ctx, c.totalsKey(kind, flowUUID))
		pendingCmd = pipe.LRange(ctx, c.pendingKey(flowUUID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s counters: %w", kind, err)
	}
	totals, pending := totalsCmd.Val(), pendingCmd.Val()

	out := make(map[string]int64, len(totals))
	for field, raw := range totals {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt %s total %q: %w", kind, field, err)
		}
		out[field] = n
	}
	for _, raw := range pending {
		var d delta
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("corrupt pending row: %w", err)
		}
		if d.Kind == kind {
			out[d.Field] += d.Count
		}
	}
	return out, nil
}

// Squash folds every flow's pending rows into its totals. The rows read
// form the watermark: rows appended while squashing stay pending.
func (c *Counters) Squash(ctx context.Context) (int, error) {
	flows, err := c.client.SMembers(ctx, c.pendingSet()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending flows: %w", err)
	}
	removed := 0
	for _, flow := range flows {
		n, err := c.squashFlow(ctx, flow)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (c *Counters) squashFlow(ctx context.Context, flowUUID string) (int, error) {
	key := c.pendingKey(flowUUID)
	removed := 0

	squash := func(tx *backend.Tx) error {
		rows, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		totals := map[string]map[string]int64{}
		for _, raw := range rows {
			var d delta
			if err := json.Unmarshal([]byte(raw), &d); err != nil {
				return fmt.Errorf("corrupt pending row: %w", err)
			}
			if totals[d.Kind] == nil {
				totals[d.Kind] = map[string]int64{}
			}
			totals[d.Kind][d.Field] += d.Count
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			for kind, fields := range totals {
				for field, n := range fields {
					pipe.HIncrBy(ctx, c.totalsKey(kind, flowUUID), field, n)
				}
			}
			pipe.LTrim(ctx, key, int64(len(rows)), -1)
			if len(rows) == 0 {
				pipe.SRem(ctx, c.pendingSet(), flowUUID)
			}
			return nil
		})
		if err == nil {
			removed = len(rows)
		}
		return err
	}

	for i := 0; i < squashRetries; i++ {
		err := c.client.Watch(ctx, squash, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to squash %s: %w", flowUUID, err)
		}
		return removed, nil
	}
	return 0, fmt.Errorf("failed to squash %s: too much contention", flowUUID)
}
