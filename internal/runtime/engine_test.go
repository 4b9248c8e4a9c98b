package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const colorFlow = `{
	"flow_uuid": "color-flow",
	"name": "Favorite Color",
	"base_language": "eng",
	"expires_after_minutes": 5,
	"entry": "prompt",
	"action_sets": [
		{"uuid": "prompt", "exit_uuid": "prompt-exit", "destination": "color", "actions": [
			{"type": "reply", "msg": "What is your favorite color?"}
		]},
		{"uuid": "good", "exit_uuid": "good-exit", "actions": [
			{"type": "reply", "msg": "Good choice, @results.color.category!"}
		]},
		{"uuid": "other", "exit_uuid": "other-exit", "destination": "color", "actions": [
			{"type": "reply", "msg": "I don't know that color. Try again."}
		]}
	],
	"rule_sets": [
		{"uuid": "color", "label": "Color", "type": "wait_message", "rules": [
			{"uuid": "orange", "test": {"type": "contains_any", "test": "orange"}, "category": "Orange", "destination": "good"},
			{"uuid": "catch", "test": {"type": "true"}, "category": "Other", "destination": "other"}
		]}
	]
}`

const amountFlow = `{
	"flow_uuid": "amount-flow",
	"name": "Amount",
	"base_language": "eng",
	"entry": "ask",
	"action_sets": [
		{"uuid": "ask", "destination": "amount", "actions": [{"type": "reply", "msg": "How much?"}]}
	],
	"rule_sets": [
		{"uuid": "amount", "label": "Amount", "type": "wait_message", "rules": [
			{"uuid": "low", "test": {"type": "between", "min": "1000", "max": "2000"}, "category": "1000-5000"},
			{"uuid": "high", "test": {"type": "between", "min": "2001", "max": "5000"}, "category": "1000-5000"},
			{"uuid": "rest", "test": {"type": "true"}, "category": "Other"}
		]}
	]
}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	flows    *memory.Flows
	runs     ports.RunStore
	counters *memory.Counters
	clock    *testClock
	engine   *runtime.Engine
}

func newHarness(t *testing.T, definitions []string, opts ...runtime.EngineOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewStore(), definitions, opts...)
}

func newHarnessWithStore(t *testing.T, store ports.RunStore, definitions []string, opts ...runtime.EngineOption) *harness {
	t.Helper()
	flows, err := memory.NewFromDefinitions(definitions...)
	require.NoError(t, err)

	h := &harness{
		flows:    flows,
		runs:     store,
		counters: memory.NewCounters(0),
		clock:    &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	base := []runtime.EngineOption{
		runtime.WithClock(h.clock.Now),
		runtime.WithActivityRecorder(h.counters),
	}
	h.engine = runtime.NewEngine(flows, store, append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T, flowUUID, contactUUID string) *domain.Outcome {
	t.Helper()
	out, err := h.engine.Start(context.Background(), domain.StartRequest{FlowUUID: flowUUID, ContactUUID: contactUUID})
	require.NoError(t, err)
	return out
}

func (h *harness) send(t *testing.T, contactUUID, text string) *domain.Outcome {
	t.Helper()
	return h.deliver(t, domain.Event{UUID: uuid.NewString(), Type: domain.EventMsg, ContactUUID: contactUUID, Text: text})
}

func (h *harness) deliver(t *testing.T, event domain.Event) *domain.Outcome {
	t.Helper()
	out, err := h.engine.Handle(context.Background(), event)
	require.NoError(t, err)
	return out
}

func (h *harness) run(t *testing.T, runUUID string) *domain.Run {
	t.Helper()
	run, err := h.runs.Get(context.Background(), runUUID)
	require.NoError(t, err)
	return run
}

func messages(out *domain.Outcome) []string {
	var texts []string
	for _, a := range out.Actions {
		if msg, ok := a.Payload.(domain.MsgOut); ok {
			texts = append(texts, msg.Text)
		}
	}
	return texts
}

func TestEngine_OrangeCompletesRun(t *testing.T) {
	h := newHarness(t, []string{colorFlow})

	out := h.start(t, "color-flow", "contact-1")
	require.True(t, out.Handled)
	assert.Equal(t, []string{"What is your favorite color?"}, messages(out))
	require.Len(t, out.Runs, 1)
	runUUID := out.Runs[0].UUID
	assert.Equal(t, domain.StatusWaiting, out.Runs[0].Status)

	out = h.send(t, "contact-1", "orange")
	assert.True(t, out.Handled)
	assert.Equal(t, []string{"Good choice, Orange!"}, messages(out))

	run := h.run(t, runUUID)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.False(t, run.IsActive)
	assert.True(t, run.Responded)
	assert.Len(t, run.Path, 3)
	assert.Equal(t, "Orange", run.Results["color"].Category)
	assert.Equal(t, "orange", run.Results["color"].Value)
	assert.NotNil(t, run.ExitedOn)
}

func TestEngine_CatchAllCountsEveryVisit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{colorFlow})

	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID
	for i := 0; i < 2; i++ {
		out := h.send(t, "contact-1", "mauve")
		assert.Equal(t, []string{"I don't know that color. Try again."}, messages(out))
	}

	run := h.run(t, runUUID)
	assert.Equal(t, domain.StatusWaiting, run.Status)
	assert.Len(t, run.Path, 6)
	assert.Equal(t, "Other", run.Results["color"].Category)

	categories, err := h.counters.CategoryCounts(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, int64(2), categories[domain.CategoryKey{ResultKey: "color", Category: "Other"}])

	paths, err := h.counters.PathCounts(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, int64(2), paths[domain.PathKey{FromUUID: "catch", ToUUID: "other"}])
	assert.Equal(t, int64(3), paths[domain.PathKey{FromUUID: "other-exit", ToUUID: "color"}]+paths[domain.PathKey{FromUUID: "prompt-exit", ToUUID: "color"}])

	nodes, err := h.counters.NodeCounts(ctx, "color-flow")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nodes["color"])

	recent, err := h.counters.RecentRuns(ctx, "color-flow", domain.PathKey{FromUUID: "catch", ToUUID: "other"})
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, "mauve", recent[0].Text)
}

func TestEngine_CategoryIdentityIsByName(t *testing.T) {
	h := newHarness(t, []string{amountFlow})

	h.start(t, "amount-flow", "contact-1")
	h.start(t, "amount-flow", "contact-2")
	h.send(t, "contact-1", "1500")
	h.send(t, "contact-2", "4200")

	counts, err := h.counters.CategoryCounts(context.Background(), "amount-flow")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.CategoryKey{ResultKey: "amount", Category: "1000-5000"}])
	assert.Len(t, counts, 1)
}

func TestEngine_RedeliveredEventIsNoOp(t *testing.T) {
	h := newHarness(t, []string{colorFlow})
	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID

	event := domain.Event{UUID: "evt-1", Type: domain.EventMsg, ContactUUID: "contact-1", Text: "mauve"}
	first := h.deliver(t, event)
	require.True(t, first.Handled)
	require.Len(t, messages(first), 1)

	again := h.deliver(t, event)
	assert.True(t, again.Handled, "a redelivery is acknowledged")
	assert.Empty(t, again.Actions)
	assert.Len(t, h.run(t, runUUID).Path, 4)
}

func TestEngine_UnwaitedEventIsIgnored(t *testing.T) {
	h := newHarness(t, []string{colorFlow})
	out := h.send(t, "nobody", "hello")
	assert.False(t, out.Handled)
	assert.Empty(t, out.Runs)
}

func TestEngine_StartSemantics(t *testing.T) {
	t.Run("Same Flow Without Restart Is A No-Op", func(t *testing.T) {
		h := newHarness(t, []string{colorFlow})
		first := h.start(t, "color-flow", "contact-1").Runs[0].UUID

		out := h.start(t, "color-flow", "contact-1")
		assert.False(t, out.Handled)
		assert.Empty(t, out.Actions)
		assert.Equal(t, domain.StatusWaiting, h.run(t, first).Status)
	})

	t.Run("Restart Interrupts The Existing Run", func(t *testing.T) {
		h := newHarness(t, []string{colorFlow})
		first := h.start(t, "color-flow", "contact-1").Runs[0].UUID

		out, err := h.engine.Start(context.Background(), domain.StartRequest{
			FlowUUID: "color-flow", ContactUUID: "contact-1", Restart: true,
		})
		require.NoError(t, err)
		require.True(t, out.Handled)
		require.Len(t, out.Runs, 2)

		assert.Equal(t, domain.StatusInterrupted, h.run(t, first).Status)
		second := out.Runs[1]
		assert.NotEqual(t, first, second.UUID)
		assert.Equal(t, domain.StatusWaiting, h.run(t, second.UUID).Status)

		nodes, err := h.counters.NodeCounts(context.Background(), "color-flow")
		require.NoError(t, err)
		assert.Equal(t, int64(1), nodes["color"], "only the new run rests at the wait")
	})

	t.Run("Another Flow Interrupts Active Runs", func(t *testing.T) {
		h := newHarness(t, []string{colorFlow, amountFlow})
		first := h.start(t, "color-flow", "contact-1").Runs[0].UUID

		out := h.start(t, "amount-flow", "contact-1")
		require.True(t, out.Handled)
		assert.Equal(t, domain.StatusInterrupted, h.run(t, first).Status)
		assert.Equal(t, []string{"How much?"}, messages(out))
	})

	t.Run("Inactive Flow Is Ignored", func(t *testing.T) {
		h := newHarness(t, []string{colorFlow})
		require.NoError(t, h.flows.SaveFlow(context.Background(), &domain.Flow{UUID: "color-flow", Name: "Favorite Color", IsActive: false}))

		out := h.start(t, "color-flow", "contact-1")
		assert.False(t, out.Handled)
		assert.Empty(t, out.Runs)
	})

	t.Run("Unknown Flow Is An Error", func(t *testing.T) {
		h := newHarness(t, []string{colorFlow})
		_, err := h.engine.Start(context.Background(), domain.StartRequest{FlowUUID: "nope", ContactUUID: "contact-1"})
		assert.ErrorIs(t, err, domain.ErrFlowNotFound)
	})
}

func TestEngine_MissingNodeInterruptsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{colorFlow})
	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID

	// a new revision without the wait the run sits at
	flow, err := h.flows.GetFlow(ctx, "color-flow")
	require.NoError(t, err)
	require.NoError(t, h.flows.AppendRevision(ctx, flow, &domain.Revision{
		FlowUUID:   "color-flow",
		Number:     2,
		Definition: []byte(`{"entry": "prompt", "action_sets": [{"uuid": "prompt", "actions": []}]}`),
	}))

	out := h.send(t, "contact-1", "orange")
	assert.True(t, out.Handled)
	assert.Empty(t, out.Actions)
	assert.Equal(t, domain.StatusInterrupted, h.run(t, runUUID).Status)
}

func TestEngine_VisitLimitCompletesRun(t *testing.T) {
	loop := `{
		"flow_uuid": "loop-flow",
		"entry": "a",
		"action_sets": [
			{"uuid": "a", "destination": "b", "actions": []},
			{"uuid": "b", "destination": "a", "actions": []}
		]
	}`
	h := newHarness(t, []string{loop}, runtime.WithVisitLimit(10))

	out := h.start(t, "loop-flow", "contact-1")
	require.Len(t, out.Runs, 1)
	run := h.run(t, out.Runs[0].UUID)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Len(t, run.Path, 10)
}

func TestEngine_SetLanguageLocalizesReplies(t *testing.T) {
	flow := `{
		"flow_uuid": "lang-flow",
		"base_language": "eng",
		"entry": "switch",
		"action_sets": [
			{"uuid": "switch", "destination": "greet", "actions": [
				{"type": "lang", "lang": "fra"},
				{"type": "add_group", "groups": ["French"]}
			]},
			{"uuid": "greet", "actions": [{"type": "reply", "msg": {"eng": "Hello", "fra": "Bonjour"}}]}
		]
	}`
	h := newHarness(t, []string{flow})

	out := h.start(t, "lang-flow", "contact-1")
	require.Len(t, out.Actions, 3)
	assert.Equal(t, domain.ActionSetLanguage, out.Actions[0].Type)
	assert.Equal(t, domain.ActionAddGroups, out.Actions[1].Type)
	assert.Equal(t, []string{"Bonjour"}, messages(out))
	assert.Equal(t, "fra", out.Runs[0].Language)
}

func TestEngine_HandOffDoesNotResume(t *testing.T) {
	flow := `{
		"flow_uuid": "handoff-flow",
		"entry": "go",
		"action_sets": [
			{"uuid": "go", "destination": "after", "actions": [{"type": "flow", "flow_uuid": "color-flow"}]},
			{"uuid": "after", "actions": [{"type": "reply", "msg": "never sent"}]}
		]
	}`
	h := newHarness(t, []string{flow, colorFlow})

	out := h.start(t, "handoff-flow", "contact-1")
	require.Len(t, out.Runs, 2)
	assert.Equal(t, domain.StatusCompleted, h.run(t, out.Runs[0].UUID).Status)
	assert.Equal(t, domain.StatusWaiting, h.run(t, out.Runs[1].UUID).Status)
	assert.Equal(t, []string{"What is your favorite color?"}, messages(out))

	// finishing the target flow does not go back
	out = h.send(t, "contact-1", "orange")
	assert.Equal(t, []string{"Good choice, Orange!"}, messages(out))
}

func TestEngine_RedeliveryAfterHandOffIsNoOp(t *testing.T) {
	flow := `{
		"flow_uuid": "menu-flow",
		"entry": "menu",
		"rule_sets": [
			{"uuid": "menu", "label": "Menu", "type": "wait_message", "rules": [
				{"uuid": "menu-any", "test": {"type": "true"}, "category": "All", "destination": "go"}
			]}
		],
		"action_sets": [
			{"uuid": "go", "actions": [{"type": "flow", "flow_uuid": "color-flow"}]}
		]
	}`
	h := newHarness(t, []string{flow, colorFlow})
	h.start(t, "menu-flow", "contact-1")

	event := domain.Event{UUID: "evt-1", Type: domain.EventMsg, ContactUUID: "contact-1", Text: "colors"}
	out := h.deliver(t, event)
	require.True(t, out.Handled)
	require.Len(t, out.Runs, 2)
	target := out.Runs[1]
	assert.Equal(t, "color-flow", target.FlowUUID)

	again := h.deliver(t, event)
	assert.True(t, again.Handled)
	assert.Empty(t, again.Actions)

	stored := h.run(t, target.UUID)
	assert.Equal(t, domain.StatusWaiting, stored.Status)
	assert.Empty(t, stored.Results, "the redelivered text was not evaluated by the new flow")
}

func TestEngine_LifecycleHooks(t *testing.T) {
	var entered []string
	var exits []domain.RunStatus
	hooks := domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) { entered = append(entered, e.NodeUUID) },
		OnRunExit:   func(ctx context.Context, e *domain.RunExitEvent) { exits = append(exits, e.Status) },
	}
	h := newHarness(t, []string{colorFlow}, runtime.WithLifecycleHooks(hooks))

	h.start(t, "color-flow", "contact-1")
	h.send(t, "contact-1", "orange")

	assert.Equal(t, []string{"prompt", "color", "good"}, entered)
	assert.Equal(t, []domain.RunStatus{domain.StatusCompleted}, exits)
}

func TestEngine_FailedRuleLeavesNoCaptures(t *testing.T) {
	flow := `{
		"flow_uuid": "code-flow",
		"entry": "code",
		"rule_sets": [
			{"uuid": "code", "label": "Code", "type": "wait_message", "rules": [
				{"uuid": "urgent", "category": "Urgent", "test": {"type": "and", "tests": [
					{"type": "regex", "pattern": "code (?P<code>\\d+)"},
					{"type": "contains_any", "test": "urgent"}
				]}},
				{"uuid": "coded", "category": "Coded", "test": {"type": "regex", "pattern": "ref (?P<ref>\\d+)"}},
				{"uuid": "rest", "category": "Other", "test": {"type": "true"}}
			]}
		]
	}`
	h := newHarness(t, []string{flow})

	runUUID := h.start(t, "code-flow", "contact-1").Runs[0].UUID
	h.send(t, "contact-1", "code 42 ref 7")

	run := h.run(t, runUUID)
	assert.Equal(t, "Coded", run.Results["code"].Category)
	assert.Equal(t, "7", run.Extra["ref"])
	assert.NotContains(t, run.Extra, "code", "the failed and-rule wrote nothing")
}
