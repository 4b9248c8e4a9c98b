package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/istresearch/rapidpro-sub000/internal/compiler"
	"github.com/istresearch/rapidpro-sub000/internal/runtime"
	"github.com/istresearch/rapidpro-sub000/pkg/activity"
	httpadapter "github.com/istresearch/rapidpro-sub000/pkg/adapters/http"
	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/devicesync"
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

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	flows   *memory.Flows
	handler http.Handler
	queue   *recordingQueue
}

func newFixture(t *testing.T, opts ...httpadapter.Option) *fixture {
	t.Helper()
	flows, err := memory.NewFromDefinitions(colorFlow)
	require.NoError(t, err)
	runs := memory.NewStore()
	counters := memory.NewCounters(0)
	engine := runtime.NewEngine(flows, runs,
		runtime.WithActivityRecorder(counters),
		runtime.WithClock(func() time.Time { return now }))
	reporter := activity.NewAggregator(runs, counters, compiler.NewLoader(flows))

	opts = append([]httpadapter.Option{
		httpadapter.WithFlowRepository(flows),
		httpadapter.WithDeviceSync(memory.NewChannels(map[string]string{"chan-1": "sesame"}), "RW"),
		httpadapter.WithClock(func() time.Time { return now }),
	}, opts...)
	return &fixture{flows: flows, handler: httpadapter.NewHandler(engine, reporter, opts...)}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStartAndHandle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/starts", domain.StartRequest{FlowUUID: "color-flow", ContactUUID: "ana"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out domain.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Runs, 1)

	w = f.do(t, http.MethodPost, "/v1/events", domain.Event{UUID: "e1", ContactUUID: "ana", Text: "orange"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Handled)

	w = f.do(t, http.MethodGet, "/v1/flows/color-flow/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.RunStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 100.0, stats.CompletionPct)

	w = f.do(t, http.MethodGet, "/v1/flows/color-flow/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results []domain.ResultSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "color", results[0].Key)

	w = f.do(t, http.MethodGet, "/v1/flows/color-flow/activity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var act domain.Activity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &act))
	assert.Equal(t, int64(1), act.Paths["orange:good"])
}

func TestEvent_Validation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/events", domain.Event{Text: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestsMatchAPIDocument(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/starts", map[string]any{"flow_uuid": "color-flow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "contact_uuid")

	w = f.do(t, http.MethodPut, "/v1/flows/color-flow", map[string]any{"name": "Colors", "expires_after_minutes": "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "expires_after_minutes")

	w = f.do(t, http.MethodPost, "/v1/flows/color-flow/revisions", map[string]any{"base_revision": -1, "definition": json.RawMessage(colorFlow)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a labeled body is checked the same way
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"uuid": "e1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = f.do(t, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/v1/events")
}

func TestUnknownFlowIsNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/flows/nope/results", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecent_RequiresEdge(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/flows/color-flow/recent?from=orange", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/flows/color-flow/recent?from=orange&to=good", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRevisions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/flows/color-flow/revisions", domain.RevisionRequest{
		BaseRevision: 1, Definition: json.RawMessage(colorFlow), SavedBy: "ana",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rev domain.Revision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rev))
	assert.Equal(t, 2, rev.Number)

	w = f.do(t, http.MethodPost, "/v1/flows/color-flow/revisions", domain.RevisionRequest{
		BaseRevision: 1, Definition: json.RawMessage(colorFlow), SavedBy: "ben",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "ana")

	loop := `{"entry": "a", "action_sets": [
		{"uuid": "a", "destination": "b", "actions": []},
		{"uuid": "b", "destination": "a", "actions": []}
	]}`
	w = f.do(t, http.MethodPost, "/v1/flows/color-flow/revisions", domain.RevisionRequest{
		BaseRevision: 2, Definition: json.RawMessage(loop),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body struct {
		Nodes []string `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Nodes)

	w = f.do(t, http.MethodPost, "/v1/flows/color-flow/revisions", domain.RevisionRequest{BaseRevision: 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlowMetadata(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/flows/color-flow", domain.Flow{Name: "Colors", IsActive: true, ExpiresAfterMinutes: 60, Revision: 99})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/flows/color-flow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var flow domain.Flow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flow))
	assert.Equal(t, "Colors", flow.Name)
	assert.Equal(t, 1, flow.Revision, "revision moves only through the revision route")
}

func TestDeviceSync(t *testing.T) {
	body := []byte(`{"cmds": [
		{"cmd": "mo_sms", "p_id": "17", "phone": "0788123123", "msg": "orange", "ts": 1777896000000},
		{"cmd": "mt_dlvd", "p_id": "18"}
	]}`)
	ts := strconv.FormatInt(now.UnixMilli(), 10)

	sync := func(f *fixture, channel, sig, ts string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/"+channel+"/sync?signature="+sig+"&ts="+ts, bytes.NewReader(body))
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}
	decode := func(t *testing.T, w *httptest.ResponseRecorder) devicesync.Error {
		var e devicesync.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
		return e
	}

	t.Run("Valid Signature Is Acked", func(t *testing.T) {
		queue := &recordingQueue{}
		f := newFixture(t, httpadapter.WithEventQueue(queue))
		w := sync(f, "chan-1", devicesync.Sign("sesame", ts, body), ts)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"cmds": [{"cmd": "ack", "p_id": "17"}, {"cmd": "ack", "p_id": "18"}]}`, w.Body.String())

		require.Len(t, queue.events, 1)
		assert.Equal(t, "orange", queue.events[0].Text)
		urn, err := devicesync.URN("0788123123", "RW")
		require.NoError(t, err)
		assert.Equal(t, devicesync.ContactUUID(urn), queue.events[0].ContactUUID)
	})

	t.Run("Unknown Channel", func(t *testing.T) {
		w := sync(newFixture(t), "chan-2", devicesync.Sign("sesame", ts, body), ts)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, devicesync.ErrIDUnknownChannel, decode(t, w).ID)
	})

	t.Run("Missing Signature", func(t *testing.T) {
		w := sync(newFixture(t), "chan-1", "", ts)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, devicesync.ErrIDMissingSignature, decode(t, w).ID)
	})

	t.Run("Old Request", func(t *testing.T) {
		old := strconv.FormatInt(now.Add(-time.Hour).UnixMilli(), 10)
		w := sync(newFixture(t), "chan-1", devicesync.Sign("sesame", old, body), old)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, devicesync.ErrIDOldRequest, decode(t, w).ID)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		w := sync(newFixture(t), "chan-1", devicesync.Sign("guess", ts, body), ts)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, devicesync.ErrIDBadSignature, decode(t, w).ID)
	})

	t.Run("Unsigned Garbage Is Unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/devices/chan-1/sync?ts="+ts, strings.NewReader("not json"))
		w := httptest.NewRecorder()
		newFixture(t).handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, devicesync.ErrIDMissingSignature, decode(t, w).ID)
	})

	t.Run("Inline Handling", func(t *testing.T) {
		f := newFixture(t)
		w := sync(f, "chan-1", devicesync.Sign("sesame", ts, body), ts)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestDeferredIsRetryable(t *testing.T) {
	flows, err := memory.NewFromDefinitions(colorFlow)
	require.NoError(t, err)
	reporter := activity.NewAggregator(memory.NewStore(), memory.NewCounters(0), compiler.NewLoader(flows))
	handler := httpadapter.NewHandler(busyEngine{}, reporter)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"uuid": "e1", "contact_uuid": "ana", "text": "hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("flows_up 1\n"))
	})
	f := newFixture(t, httpadapter.WithMetricsHandler(metrics))
	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flows_up 1")
}

func TestContactStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/contacts/ana/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	var got strings.Builder
	waitFor := func(needle string) {
		deadline := time.After(3 * time.Second)
		for !strings.Contains(got.String(), needle) {
			select {
			case chunk, ok := <-lines:
				require.True(t, ok, "stream closed before %q", needle)
				got.WriteString(chunk)
			case <-deadline:
				t.Fatalf("timed out waiting for %q in %q", needle, got.String())
			}
		}
	}
	waitFor("data: connected")

	start, err := json.Marshal(domain.StartRequest{FlowUUID: "color-flow", ContactUUID: "ana"})
	require.NoError(t, err)
	startResp, err := http.Post(srv.URL+"/v1/starts", "application/json", bytes.NewReader(start))
	require.NoError(t, err)
	startResp.Body.Close()

	waitFor("What is your favorite color?")
	assert.Contains(t, got.String(), "event: actions")
}

func TestQueuedEvents(t *testing.T) {
	queue := &recordingQueue{}
	f := newFixture(t, httpadapter.WithEventQueue(queue))

	w := f.do(t, http.MethodPost, "/v1/events", domain.Event{UUID: "e1", ContactUUID: "ana", Text: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status": "queued", "uuid": "e1"}`, w.Body.String())

	require.Len(t, queue.events, 1)
	assert.Equal(t, domain.EventMsg, queue.events[0].Type)
	assert.Equal(t, now, queue.events[0].CreatedOn)
}

type recordingQueue struct {
	events []domain.Event
}

func (q *recordingQueue) Enqueue(_ context.Context, event domain.Event) error {
	q.events = append(q.events, event)
	return nil
}

type busyEngine struct{}

func (busyEngine) Start(context.Context, domain.StartRequest) (*domain.Outcome, error) {
	return nil, domain.ErrDeferred
}

func (busyEngine) Handle(context.Context, domain.Event) (*domain.Outcome, error) {
	return nil, domain.ErrDeferred
}

func (busyEngine) SaveRevision(context.Context, domain.RevisionRequest) (*domain.Revision, error) {
	return nil, domain.ErrDeferred
}
