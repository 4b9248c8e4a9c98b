package activity_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/pkg/activity"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const colorFlow = `{
	"flow_uuid": "color-flow",
	"name": "Favorite Color",
	"base_language": "eng",
	"entry": "prompt",
	"action_sets": [
		{"uuid": "prompt", "exit_uuid": "prompt-exit", "destination": "color", "actions": [
			{"type": "reply", "msg": "What is your favorite color?"}
		]},
		{"uuid": "good", "actions": [{"type": "reply", "msg": "Good choice"}]},
		{"uuid": "other", "exit_uuid": "other-exit", "destination": "color", "actions": [
			{"type": "reply", "msg": "Try again."}
		]}
	],
	"rule_sets": [
		{"uuid": "color", "label": "Color", "type": "wait_message", "rules": [
			{"uuid": "orange", "test": {"type": "contains_any", "test": "orange"}, "category": "Orange", "destination": "good"},
			{"uuid": "catch", "test": {"type": "true"}, "category": "Other", "destination": "other"}
		]}
	]
}`

type fixture struct {
	engine     *runtime.Engine
	counters   *memory.Counters
	aggregator *activity.Aggregator
}

func newFixture(t *testing.T, opts ...activity.Option) *fixture {
	t.Helper()
	flows, err := memory.NewFromDefinitions(colorFlow)
	require.NoError(t, err)

	runs := memory.NewStore()
	counters := memory.NewCounters(0)
	return &fixture{
		engine:     runtime.NewEngine(flows, runs, runtime.WithActivityRecorder(counters)),
		counters:   counters,
		aggregator: activity.NewAggregator(runs, counters, compiler.NewLoader(flows), opts...),
	}
}

func (f *fixture) start(t *testing.T, contact string) {
	t.Helper()
	_, err := f.engine.Start(context.Background(), domain.StartRequest{FlowUUID: "color-flow", ContactUUID: contact})
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, contact, text string) {
	t.Helper()
	_, err := f.engine.Handle(context.Background(), domain.Event{
		UUID: uuid.NewString(), Type: domain.EventMsg, ContactUUID: contact, Text: text,
	})
	require.NoError(t, err)
}

// twoContacts leaves one contact finished and one waiting after a retry.
func twoContacts(t *testing.T, f *fixture) {
	f.start(t, "ana")
	f.start(t, "ben")
	f.send(t, "ana", "orange")
	f.send(t, "ben", "mauve")
}

func TestAggregator_RunStats(t *testing.T) {
	f := newFixture(t)
	twoContacts(t, f)

	stats, err := f.aggregator.RunStats(context.Background(), "color-flow")
	require.NoError(t, err)
	assert.Equal(t, &domain.RunStats{Total: 2, Active: 1, Completed: 1, CompletionPct: 50}, stats)
}

func TestAggregator_RunStatsEmptyFlow(t *testing.T) {
	f := newFixture(t)

	stats, err := f.aggregator.RunStats(context.Background(), "color-flow")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.CompletionPct)
}

func TestAggregator_CategoryCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	twoContacts(t, f)

	summaries, err := f.aggregator.CategoryCounts(ctx, "color-flow")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "color", summaries[0].Key)
	assert.Equal(t, "Color", summaries[0].Name)
	assert.Equal(t, []domain.CategoryCount{{Name: "Orange", Count: 1}, {Name: "Other", Count: 1}}, summaries[0].Categories)

	t.Run("Categories From Older Revisions Come Last", func(t *testing.T) {
		require.NoError(t, f.counters.Record(ctx, domain.ActivityBatch{Categories: []domain.CategoryCountDelta{
			{FlowUUID: "color-flow", ResultName: "Color", CategoryKey: domain.CategoryKey{ResultKey: "color", Category: "Blue"}, Count: 3},
			{FlowUUID: "color-flow", ResultName: "Color", CategoryKey: domain.CategoryKey{ResultKey: "color", Category: "Gone"}, Count: 1},
			{FlowUUID: "color-flow", ResultName: "Color", CategoryKey: domain.CategoryKey{ResultKey: "color", Category: "Gone"}, Count: -1},
		}}))

		summaries, err := f.aggregator.CategoryCounts(ctx, "color-flow")
		require.NoError(t, err)
		assert.Equal(t, []domain.CategoryCount{
			{Name: "Orange", Count: 1},
			{Name: "Other", Count: 1},
			{Name: "Blue", Count: 3},
		}, summaries[0].Categories)
	})
}

func TestAggregator_UnknownFlow(t *testing.T) {
	f := newFixture(t)
	_, err := f.aggregator.CategoryCounts(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrFlowNotFound)
}

func TestAggregator_Activity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	twoContacts(t, f)

	act, err := f.aggregator.Activity(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"color": 1}, act.Active)
	assert.Equal(t, map[string]int64{
		"prompt-exit:color": 2,
		"orange:good":       1,
		"catch:other":       1,
		"other-exit:color":  1,
	}, act.Paths)

	recent, err := f.aggregator.RecentRuns(ctx, "color-flow", domain.PathKey{FromUUID: "orange", ToUUID: "good"})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "orange", recent[0].Text)

	none, err := f.aggregator.RecentRuns(ctx, "color-flow", domain.PathKey{FromUUID: "nowhere", ToUUID: "good"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestAggregator_SquashKeepsReads(t *testing.T) {
	ctx := context.Background()
	var squashed []int
	f := newFixture(t, activity.WithSquashObserver(func(rows int) { squashed = append(squashed, rows) }))
	twoContacts(t, f)
	f.send(t, "ben", "still mauve")

	before, err := f.aggregator.Activity(ctx, "color-flow")
	require.NoError(t, err)
	beforeCounts, err := f.aggregator.CategoryCounts(ctx, "color-flow")
	require.NoError(t, err)

	rows, err := f.aggregator.Squash(ctx)
	require.NoError(t, err)
	assert.Positive(t, rows)

	after, err := f.aggregator.Activity(ctx, "color-flow")
	require.NoError(t, err)
	afterCounts, err := f.aggregator.CategoryCounts(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeCounts, afterCounts)

	rows, err = f.aggregator.Squash(ctx)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Len(t, squashed, 2)
}

func TestAggregator_ActiveCountsOnlyWaitingRuns(t *testing.T) {
	ctx := context.Background()
	parent := `{
		"flow_uuid": "parent-flow",
		"entry": "sub",
		"rule_sets": [
			{"uuid": "sub", "label": "Sub", "type": "subflow", "config": {"flow_uuid": "color-flow"}, "rules": [
				{"uuid": "sub-done", "test": {"type": "subflow", "exit": "completed"}, "category": "Completed"},
				{"uuid": "sub-expired", "test": {"type": "subflow", "exit": "expired"}, "category": "Expired"}
			]}
		]
	}`
	flows, err := memory.NewFromDefinitions(parent, colorFlow)
	require.NoError(t, err)
	runs := memory.NewStore()
	counters := memory.NewCounters(0)
	// no recorder: node counters stay empty while the live query still sees the runs
	engine := runtime.NewEngine(flows, runs)
	aggregator := activity.NewAggregator(runs, counters, compiler.NewLoader(flows))

	_, err = engine.Start(ctx, domain.StartRequest{FlowUUID: "parent-flow", ContactUUID: "ana"})
	require.NoError(t, err)

	act, err := aggregator.Activity(ctx, "parent-flow")
	require.NoError(t, err)
	assert.Empty(t, act.Active, "a parked parent is not waiting")

	act, err = aggregator.Activity(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"color": 1}, act.Active)
	assert.Empty(t, act.Resting)
}
