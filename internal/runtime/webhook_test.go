package runtime_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookFlow(url string) string {
	return fmt.Sprintf(`{
		"flow_uuid": "hook-flow",
		"base_language": "eng",
		"entry": "call",
		"rule_sets": [
			{"uuid": "call", "type": "webhook", "config": {"url": %q}, "rules": [
				{"uuid": "ok", "test": {"type": "webhook_status", "status": "success"}, "category": "Success", "destination": "thanks"},
				{"uuid": "failed", "test": {"type": "webhook_status", "status": "failure"}, "category": "Failure"}
			]}
		],
		"action_sets": [
			{"uuid": "thanks", "actions": [{"type": "reply", "msg": "Order @extra.order.id confirmed"}]}
		]
	}`, url)
}

func TestWebhook_ServerErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "Server Error")
	}))
	defer server.Close()

	h := newHarness(t, []string{webhookFlow(server.URL)}, runtime.WithWebhookCaller(webhook.New()))
	out := h.start(t, "hook-flow", "contact-1")
	require.Len(t, out.Runs, 1)

	run := h.run(t, out.Runs[0].UUID)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	result := run.Results["response_1"]
	assert.Equal(t, "Failure", result.Category)
	assert.Equal(t, "Server Error", result.Value)
	assert.Equal(t, "Server Error", run.Extra["response_1"])

	require.NotEmpty(t, run.Events)
	called := run.Events[0]
	assert.Equal(t, domain.RunEventWebhookCalled, called.Type)
	assert.Equal(t, http.StatusInternalServerError, called.Payload["status_code"])
}

func TestWebhook_SuccessMergesResponse(t *testing.T) {
	var mu sync.Mutex
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = string(body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"order": {"id": 42}}`)
	}))
	defer server.Close()

	var hooked []domain.WebhookStatus
	hooks := domain.LifecycleHooks{OnWebhookCalled: func(_ context.Context, e *domain.WebhookEvent) {
		hooked = append(hooked, e.Status)
	}}
	h := newHarness(t, []string{webhookFlow(server.URL)},
		runtime.WithWebhookCaller(webhook.New()), runtime.WithLifecycleHooks(hooks))
	out := h.start(t, "hook-flow", "contact-1")

	assert.Equal(t, []string{"Order 42 confirmed"}, messages(out))
	run := h.run(t, out.Runs[0].UUID)
	assert.Equal(t, "Success", run.Results["response_1"].Category)
	assert.Equal(t, "42", run.Extra["order.id"])
	assert.Equal(t, []domain.WebhookStatus{domain.WebhookStatusSuccess}, hooked)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, received, `"contact":"contact-1"`)
	assert.Contains(t, received, `"flow":"hook-flow"`)
}

func TestWebhook_HostExecuted(t *testing.T) {
	h := newHarness(t, []string{webhookFlow("http://orders.example.com/@contact.uuid")})

	out := h.start(t, "hook-flow", "contact-1")
	require.Len(t, out.Actions, 1)
	assert.Equal(t, domain.ActionCallWebhook, out.Actions[0].Type)
	call := out.Actions[0].Payload.(domain.WebhookCall)
	assert.Equal(t, "http://orders.example.com/contact-1", call.URL)
	assert.Equal(t, "call", call.StepUUID)

	runUUID := out.Runs[0].UUID
	assert.Equal(t, domain.StatusWaiting, h.run(t, runUUID).Status)

	// a message is not what the step waits for
	out = h.send(t, "contact-1", "hello?")
	assert.False(t, out.Handled)

	out = h.deliver(t, domain.Event{
		UUID:        "result-1",
		Type:        domain.EventWebhookResult,
		ContactUUID: "contact-1",
		RunUUID:     call.RunUUID,
		Webhook:     &domain.WebhookResult{Status: domain.WebhookStatusSuccess, StatusCode: 200, Body: `{"order": {"id": 7}}`},
	})
	assert.True(t, out.Handled)
	assert.Equal(t, []string{"Order 7 confirmed"}, messages(out))
	assert.Equal(t, domain.StatusCompleted, h.run(t, runUUID).Status)
}

func TestResthook_GoneSubscriberIsRemoved(t *testing.T) {
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok": true}`)
	}))
	defer live.Close()

	hooks := memory.NewResthooks()
	hooks.Subscribe("new-order", gone.URL)
	hooks.Subscribe("new-order", live.URL)

	flow := `{
		"flow_uuid": "resthook-flow",
		"entry": "notify",
		"rule_sets": [
			{"uuid": "notify", "type": "resthook", "config": {"resthook": "new-order"}, "rules": [
				{"uuid": "ok", "test": {"type": "webhook_status", "status": "success"}, "category": "Success"},
				{"uuid": "failed", "test": {"type": "webhook_status", "status": "failure"}, "category": "Failure"}
			]}
		]
	}`
	h := newHarness(t, []string{flow},
		runtime.WithWebhookCaller(webhook.New()), runtime.WithResthookStore(hooks))
	out := h.start(t, "resthook-flow", "contact-1")

	run := h.run(t, out.Runs[0].UUID)
	assert.Equal(t, "Success", run.Results["response_1"].Category)

	subs, err := hooks.Subscribers(context.Background(), "new-order")
	require.NoError(t, err)
	assert.Equal(t, []string{live.URL}, subs)
}

const templatedHookFlow = `{
	"flow_uuid": "templated-flow",
	"base_language": "eng",
	"entry": "color",
	"rule_sets": [
		{"uuid": "color", "label": "Color", "type": "wait_message", "rules": [
			{"uuid": "orange", "test": {"type": "contains_any", "test": "orange"}, "category": "Orange", "destination": "call"},
			{"uuid": "catch", "test": {"type": "true"}, "category": "Other", "destination": "call"}
		]},
		{"uuid": "call", "type": "webhook", "config": {
			"url": "http://crm.example.com/contacts/@contact.uuid",
			"headers": {"X-Flow": "{{ flow.uuid }}"},
			"body": "{\"color\": \"@results.color.category\", \"liked\": {% if results.color.category == \"Orange\" %}true{% else %}false{% endif %}, \"said\": \"{{ results.color.value|upper }}\"}"
		}, "rules": [
			{"uuid": "ok", "test": {"type": "webhook_status", "status": "success"}, "category": "Success", "destination": "bye"}
		]}
	],
	"action_sets": [
		{"uuid": "bye", "actions": [{"type": "reply", "msg": "Bye {% if %}"}]}
	]
}`

func TestWebhook_BodyIsTemplated(t *testing.T) {
	h := newHarness(t, []string{templatedHookFlow})
	h.start(t, "templated-flow", "contact-1")

	out := h.send(t, "contact-1", "orange")
	require.Len(t, out.Actions, 1)
	call := out.Actions[0].Payload.(domain.WebhookCall)
	assert.Equal(t, "http://crm.example.com/contacts/contact-1", call.URL)
	assert.Equal(t, "templated-flow", call.Headers["X-Flow"])
	assert.JSONEq(t, `{"color": "Orange", "liked": true, "said": "ORANGE"}`, call.Body)

	out = h.deliver(t, domain.Event{
		UUID:        "result-1",
		Type:        domain.EventWebhookResult,
		ContactUUID: "contact-1",
		RunUUID:     call.RunUUID,
		Webhook:     &domain.WebhookResult{Status: domain.WebhookStatusSuccess, StatusCode: 200, Body: `{}`},
	})

	// text that does not parse is sent as written
	assert.Equal(t, []string{"Bye {% if %}"}, messages(out))
}
