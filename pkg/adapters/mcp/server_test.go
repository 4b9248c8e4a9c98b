package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/pkg/activity"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const colorFlow = `{
	"flow_uuid": "color-flow",
	"base_language": "eng",
	"entry": "prompt",
	"action_sets": [
		{"uuid": "prompt", "destination": "color", "actions": [{"type": "reply", "msg": "What is your favorite color?"}]},
		{"uuid": "good", "actions": [{"type": "reply", "msg": "Good choice"}]}
	],
	"rule_sets": [
		{"uuid": "color", "label": "Color", "type": "wait_message", "rules": [
			{"uuid": "orange", "test": {"type": "contains_any", "test": "orange"}, "category": "Orange", "destination": "good"},
			{"uuid": "catch", "test": {"type": "true"}, "category": "Other"}
		]}
	]
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	flows, err := memory.NewFromDefinitions(colorFlow)
	require.NoError(t, err)
	runs := memory.NewStore()
	counters := memory.NewCounters(0)
	engine := runtime.NewEngine(flows, runs, runtime.WithActivityRecorder(counters))

	for _, c := range []string{"ana", "ben"} {
		_, err := engine.Start(ctx, domain.StartRequest{FlowUUID: "color-flow", ContactUUID: c})
		require.NoError(t, err)
	}
	_, err = engine.Handle(ctx, domain.Event{UUID: uuid.NewString(), Type: domain.EventMsg, ContactUUID: "ana", Text: "orange"})
	require.NoError(t, err)

	return NewServer(activity.NewAggregator(runs, counters, compiler.NewLoader(flows)), "test")
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestFlowStats(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s.flowStats, "flow_stats", map[string]any{"flow_uuid": "color-flow"})
	require.False(t, isErr, body)

	var stats domain.RunStats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 50.0, stats.CompletionPct)
}

func TestCategoryCounts(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s.categoryCounts, "category_counts", map[string]any{"flow_uuid": "color-flow"})
	require.False(t, isErr, body)

	var results []domain.ResultSummary
	require.NoError(t, json.Unmarshal([]byte(body), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "Color", results[0].Name)
}

func TestFlowActivity(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s.flowActivity, "flow_activity", map[string]any{"flow_uuid": "color-flow"})
	require.False(t, isErr, body)

	var act domain.Activity
	require.NoError(t, json.Unmarshal([]byte(body), &act))
	assert.Equal(t, 1, act.Active["color"])
	assert.Equal(t, int64(1), act.Paths["orange:good"])
}

func TestRecentRuns(t *testing.T) {
	s := newTestServer(t)
	body, isErr := call(t, s.recentRuns, "recent_runs", map[string]any{"flow_uuid": "color-flow", "from_uuid": "orange", "to_uuid": "good"})
	require.False(t, isErr, body)

	var recent []domain.RecentRun
	require.NoError(t, json.Unmarshal([]byte(body), &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, "orange", recent[0].Text)

	_, isErr = call(t, s.recentRuns, "recent_runs", map[string]any{"flow_uuid": "color-flow"})
	assert.True(t, isErr)
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)

	body, isErr := call(t, s.categoryCounts, "category_counts", map[string]any{"flow_uuid": "missing"})
	assert.True(t, isErr)
	assert.Contains(t, body, "not found")

	_, isErr = call(t, s.flowStats, "flow_stats", map[string]any{})
	assert.True(t, isErr)
}
