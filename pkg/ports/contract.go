package ports

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a RunStore implementation
// adheres to the defined interface contract.
func RunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	flowUUID := uuid.NewString()
	contact := uuid.NewString()

	newRun := func(status domain.RunStatus, node string) *domain.Run {
		run := domain.NewRun(uuid.NewString(), flowUUID, contact, now)
		run.Status = status
		run.CurrentNode = node
		run.IsActive = !status.Terminal()
		return run
	}

	t.Run("Save and Get", func(t *testing.T) {
		run := newRun(domain.StatusWaiting, "node-1")
		run.Results["color"] = domain.Result{Category: "Orange", Value: "orange"}
		run.AppendStep(domain.PathStep{UUID: "s1", NodeUUID: "node-1", ArrivedOn: now})

		require.NoError(t, store.Save(ctx, run))

		loaded, err := store.Get(ctx, run.UUID)
		require.NoError(t, err)
		assert.Equal(t, run.CurrentNode, loaded.CurrentNode)
		assert.Equal(t, domain.StatusWaiting, loaded.Status)
		assert.Equal(t, "Orange", loaded.Results["color"].Category)
		assert.Len(t, loaded.Path, 1)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Active For Contact", func(t *testing.T) {
		c := uuid.NewString()
		first := newRun(domain.StatusActive, "parent-node")
		first.ContactUUID = c
		second := newRun(domain.StatusWaiting, "child-node")
		second.ContactUUID = c
		second.CreatedOn = now.Add(time.Second)
		done := newRun(domain.StatusCompleted, "")
		done.ContactUUID = c

		for _, r := range []*domain.Run{second, done, first} {
			require.NoError(t, store.Save(ctx, r))
		}

		active, err := store.ActiveForContact(ctx, c)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, first.UUID, active[0].UUID)
		assert.Equal(t, second.UUID, active[1].UUID)

		// deactivating drops it from the contact's active set
		second.Exit(domain.StatusExpired, now)
		require.NoError(t, store.Save(ctx, second))
		active, err = store.ActiveForContact(ctx, c)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("List Expired And Timed Out", func(t *testing.T) {
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)

		expired := newRun(domain.StatusWaiting, "n")
		expired.ExpiresOn = &past
		notYet := newRun(domain.StatusWaiting, "n")
		notYet.ExpiresOn = &future
		timedOut := newRun(domain.StatusWaiting, "n")
		timedOut.TimeoutOn = &past

		for _, r := range []*domain.Run{expired, notYet, timedOut} {
			require.NoError(t, store.Save(ctx, r))
		}

		runs, err := store.ListExpired(ctx, now, 100)
		require.NoError(t, err)
		assert.Contains(t, runUUIDs(runs), expired.UUID)
		assert.NotContains(t, runUUIDs(runs), notYet.UUID)

		runs, err = store.ListTimedOut(ctx, now, 100)
		require.NoError(t, err)
		assert.Contains(t, runUUIDs(runs), timedOut.UUID)
		assert.NotContains(t, runUUIDs(runs), expired.UUID)

		expired.Exit(domain.StatusExpired, now)
		require.NoError(t, store.Save(ctx, expired))
		runs, err = store.ListExpired(ctx, now, 100)
		require.NoError(t, err)
		assert.NotContains(t, runUUIDs(runs), expired.UUID)
	})

	t.Run("Counts", func(t *testing.T) {
		f := uuid.NewString()
		for _, s := range []domain.RunStatus{domain.StatusWaiting, domain.StatusWaiting, domain.StatusCompleted} {
			r := newRun(s, "")
			r.FlowUUID = f
			if s == domain.StatusWaiting {
				r.CurrentNode = "ask"
			}
			require.NoError(t, store.Save(ctx, r))
		}

		byStatus, err := store.CountByStatus(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, 2, byStatus[domain.StatusWaiting])
		assert.Equal(t, 1, byStatus[domain.StatusCompleted])

		parked := newRun(domain.StatusActive, "")
		parked.FlowUUID = f
		parked.CurrentNode = "sub"
		require.NoError(t, store.Save(ctx, parked))

		byNode, err := store.WaitingByNode(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"ask": 2}, byNode, "parked runs are not waiting")
	})

	t.Run("Delete", func(t *testing.T) {
		run := newRun(domain.StatusWaiting, "n")
		require.NoError(t, store.Save(ctx, run))
		require.NoError(t, store.Delete(ctx, run.UUID))

		_, err := store.Get(ctx, run.UUID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Get after Delete should return ErrRunNotFound")
	})
}

// CounterStoreContract verifies squash semantics and read sums of a
// CounterStore. sampleSize is the recent-run limit the store was built with.
func CounterStoreContract(t *testing.T, store CounterStore, sampleSize int) {
	ctx := context.Background()

	t.Run("Squash Keeps Totals", func(t *testing.T) {
		flow := uuid.NewString()
		edge := domain.PathKey{FromUUID: "exit-1", ToUUID: "node-2"}
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Record(ctx, domain.ActivityBatch{
				Paths: []domain.PathCountDelta{{FlowUUID: flow, PathKey: edge, Count: 1}},
			}))
		}

		counts, err := store.PathCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[edge])

		_, err = store.Squash(ctx)
		require.NoError(t, err)
		counts, err = store.PathCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[edge])

		// second squash with nothing new is a no-op
		_, err = store.Squash(ctx)
		require.NoError(t, err)
		counts, err = store.PathCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[edge])

		// new deltas add to the squashed total
		require.NoError(t, store.Record(ctx, domain.ActivityBatch{
			Paths: []domain.PathCountDelta{{FlowUUID: flow, PathKey: edge, Count: 2}},
		}))
		counts, err = store.PathCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(5), counts[edge])
	})

	t.Run("Negative Category Deltas", func(t *testing.T) {
		flow := uuid.NewString()
		key := domain.CategoryKey{ResultKey: "amount", Category: "1000-5000"}
		batch := domain.ActivityBatch{Categories: []domain.CategoryCountDelta{
			{FlowUUID: flow, ResultName: "Amount", CategoryKey: key, Count: 1},
			{FlowUUID: flow, ResultName: "Amount", CategoryKey: key, Count: 1},
			{FlowUUID: flow, ResultName: "Amount", CategoryKey: key, Count: -1},
		}}
		require.NoError(t, store.Record(ctx, batch))

		counts, err := store.CategoryCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[key])

		_, err = store.Squash(ctx)
		require.NoError(t, err)
		counts, err = store.CategoryCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[key])
	})

	t.Run("Node Counts", func(t *testing.T) {
		flow := uuid.NewString()
		require.NoError(t, store.Record(ctx, domain.ActivityBatch{Nodes: []domain.NodeCountDelta{
			{FlowUUID: flow, NodeUUID: "ask", Count: 1},
			{FlowUUID: flow, NodeUUID: "ask", Count: 1},
			{FlowUUID: flow, NodeUUID: "ask", Count: -1},
		}}))
		_, err := store.Squash(ctx)
		require.NoError(t, err)

		counts, err := store.NodeCounts(ctx, flow)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts["ask"])
	})

	t.Run("Recent Runs Pruned", func(t *testing.T) {
		flow := uuid.NewString()
		edge := domain.PathKey{FromUUID: "rule-1", ToUUID: "node-9"}
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < sampleSize+2; i++ {
			require.NoError(t, store.Record(ctx, domain.ActivityBatch{Recent: []domain.RecentRun{{
				FlowUUID:  flow,
				PathKey:   edge,
				RunUUID:   uuid.NewString(),
				Text:      string(rune('a' + i)),
				VisitedOn: base.Add(time.Duration(i) * time.Second),
			}}}))
		}

		recent, err := store.RecentRuns(ctx, flow, edge)
		require.NoError(t, err)
		require.Len(t, recent, sampleSize)
		assert.Equal(t, string(rune('a'+sampleSize+1)), recent[0].Text, "newest first")
	})
}

func runUUIDs(runs []*domain.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.UUID
	}
	return ids
}
