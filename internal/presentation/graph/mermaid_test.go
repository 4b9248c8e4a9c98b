package graph_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/presentation/graph"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
)

const colorFlow = `{
	"flow_uuid": "color-flow",
	"base_language": "eng",
	"entry": "prompt",
	"action_sets": [
		{"uuid": "prompt", "destination": "color-step", "actions": [{"type": "reply", "msg": "What is your favorite color?"}]},
		{"uuid": "good", "actions": [{"type": "reply", "msg": "Good choice"}]}
	],
	"rule_sets": [
		{"uuid": "color-step", "label": "Color", "type": "wait_message", "config": {"timeout_minutes": 10}, "rules": [
			{"uuid": "orange", "test": {"type": "contains_any", "test": "orange"}, "category": "Orange", "destination": "good"},
			{"uuid": "other", "test": {"type": "true"}, "category": "Other"}
		]},
		{"uuid": "hook", "label": "Lookup", "type": "webhook", "config": {"url": "http://example.com"}, "rules": [
			{"uuid": "ok", "test": {"type": "webhook_status", "status": "success"}, "category": "Success"},
			{"uuid": "failed", "test": {"type": "webhook_status", "status": "failure"}, "category": "Failure"}
		]}
	]
}`

func parse(t *testing.T) *domain.Graph {
	t.Helper()
	g, err := compiler.Parse([]byte(colorFlow))
	require.NoError(t, err)
	return g
}

func TestGenerateMermaid(t *testing.T) {
	out := graph.GenerateMermaid(parse(t), nil)

	tests := []struct {
		name     string
		contains string
	}{
		{"Entry Is A Circle", `prompt(("1 action"))`},
		{"Wait Is An Input", `color_step[/"Color <br/> ⏱️ 10m"/]`},
		{"Webhook Is A Subroutine", `hook[["Lookup"]]`},
		{"Action Exit", "prompt --> color_step"},
		{"Labelled Rule Edge", `color_step -- "Orange" --> good`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, out, tt.contains)
		})
	}
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.NotContains(t, out, "Other", "rules without a destination draw no edge")
	assert.NotContains(t, out, "classDef")
}

func TestGenerateMermaid_Overlay(t *testing.T) {
	run := &domain.Run{
		CurrentNode: "color-step",
		Path: []domain.PathStep{
			{NodeUUID: "prompt"},
			{NodeUUID: "color-step"},
			{NodeUUID: "color-step"},
			{NodeUUID: "gone"},
		},
	}
	overlay := graph.PathOverlay(run)
	overlay.Activity = &domain.Activity{
		Active: map[string]int{"color-step": 3},
		Paths:  map[string]int64{"orange:good": 7},
	}

	out := graph.GenerateMermaid(parse(t), overlay)
	assert.Contains(t, out, `color_step[/"Color <br/> ⏱️ 10m <br/> 3 active"/]`)
	assert.Contains(t, out, `color_step -- "Orange (7)" --> good`)
	assert.Contains(t, out, "class prompt visited;")
	assert.Equal(t, 1, strings.Count(out, "class color_step visited;"))
	assert.Contains(t, out, "class color_step current;")
	assert.NotContains(t, out, "gone", "unknown nodes are not styled")
}
