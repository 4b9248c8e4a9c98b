package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	rapidpro "github.com/istresearch/rapidpro-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetFlow = `{
	"flow_uuid": "greet-flow",
	"base_language": "eng",
	"entry": "ask",
	"action_sets": [
		{"uuid": "ask", "destination": "wait", "actions": [{"type": "reply", "msg": "How are you?"}]},
		{"uuid": "thanks", "actions": [{"type": "reply", "msg": "Glad to hear it"}]}
	],
	"rule_sets": [
		{"uuid": "wait", "label": "Mood", "type": "wait_message", "rules": [
			{"uuid": "any", "test": {"type": "true"}, "category": "All Responses", "destination": "thanks"}
		]}
	]
}`

func newSimEngine(t *testing.T) *rapidpro.Engine {
	t.Helper()
	engine := rapidpro.New()
	_, err := engine.ImportFlow(context.Background(), "Greeting", []byte(greetFlow))
	require.NoError(t, err)
	return engine
}

func TestSimulator_ConversesUntilFinished(t *testing.T) {
	engine := newSimEngine(t)
	var out bytes.Buffer
	sim := NewSimulator(engine, strings.NewReader("great\n"), &out, WithContact("contact-1"))

	require.NoError(t, sim.Run(context.Background(), "greet-flow"))
	assert.Equal(t, "How are you?\nGlad to hear it\n>>> flow finished\n", out.String())
}

func TestSimulator_ExitLeavesRunWaiting(t *testing.T) {
	ctx := context.Background()
	engine := newSimEngine(t)
	var out bytes.Buffer
	sim := NewSimulator(engine, strings.NewReader("exit\n"), &out, WithContact("contact-1"), WithPrompt(true))

	require.NoError(t, sim.Run(ctx, "greet-flow"))
	assert.Equal(t, "How are you?\n> >>> bye\n", out.String())

	active, err := engine.Runs().ActiveForContact(ctx, "contact-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSimulator_EndOfInput(t *testing.T) {
	engine := newSimEngine(t)
	var out bytes.Buffer
	sim := NewSimulator(engine, strings.NewReader(""), &out)

	require.NoError(t, sim.Run(context.Background(), "greet-flow"))
	assert.Equal(t, "How are you?\n", out.String())
}

func TestSimulator_UnknownFlow(t *testing.T) {
	var out bytes.Buffer
	sim := NewSimulator(rapidpro.New(), strings.NewReader(""), &out)

	assert.Error(t, sim.Run(context.Background(), "missing-flow"))
}
