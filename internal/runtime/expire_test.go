package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/adapters/memory"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeoutFlow = `{
	"flow_uuid": "timeout-flow",
	"base_language": "eng",
	"entry": "ask",
	"action_sets": [
		{"uuid": "ask", "destination": "wait", "actions": [{"type": "reply", "msg": "Reply please"}]},
		{"uuid": "nudge", "actions": [{"type": "reply", "msg": "Still there?"}]}
	],
	"rule_sets": [
		{"uuid": "wait", "label": "Answer", "type": "wait_message", "config": {"timeout_minutes": 10}, "rules": [
			{"uuid": "any", "test": {"type": "true"}, "category": "Answered"},
			{"uuid": "late", "test": {"type": "timeout", "minutes": 10}, "category": "Timed Out", "destination": "nudge"}
		]}
	]
}`

func TestExpireRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{colorFlow})
	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID

	run := h.run(t, runUUID)
	require.NotNil(t, run.ExpiresOn)
	assert.Equal(t, run.LastArrival().Add(5*time.Minute), *run.ExpiresOn)

	h.clock.Advance(3 * time.Minute)
	n, err := h.engine.ExpireRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(7 * time.Minute)
	n, err = h.engine.ExpireRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run = h.run(t, runUUID)
	assert.Equal(t, domain.StatusExpired, run.Status)
	assert.False(t, run.IsActive)
	assert.Nil(t, run.ExpiresOn)

	// expired runs consume nothing
	out := h.send(t, "contact-1", "orange")
	assert.False(t, out.Handled)

	n, err = h.engine.ExpireRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a second sweep finds nothing")
}

func TestExpireRuns_ReplyResetsExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{colorFlow})
	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID

	h.clock.Advance(4 * time.Minute)
	h.send(t, "contact-1", "mauve")

	h.clock.Advance(4 * time.Minute)
	n, err := h.engine.ExpireRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.StatusWaiting, h.run(t, runUUID).Status)
}

func TestTimeoutRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{timeoutFlow})
	runUUID := h.start(t, "timeout-flow", "contact-1").Runs[0].UUID

	run := h.run(t, runUUID)
	require.NotNil(t, run.TimeoutOn)
	assert.Nil(t, run.ExpiresOn, "flow has no expiry")

	h.clock.Advance(5 * time.Minute)
	n, err := h.engine.TimeoutRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(10 * time.Minute)
	n, err = h.engine.TimeoutRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run = h.run(t, runUUID)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, "Timed Out", run.Results["answer"].Category)

	n, err = h.engine.TimeoutRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTimeout_MessageBeforeDeadlineWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{timeoutFlow})
	runUUID := h.start(t, "timeout-flow", "contact-1").Runs[0].UUID

	out := h.send(t, "contact-1", "here")
	assert.True(t, out.Handled)

	h.clock.Advance(time.Hour)
	n, err := h.engine.TimeoutRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "Answered", h.run(t, runUUID).Results["answer"].Category)
}

// racingStore ends a run behind the engine's back right before the engine
// re-reads it, the way a concurrent expiry sweep on another worker would.
type racingStore struct {
	*memory.Store
	victim string
	fired  bool
}

func (s *racingStore) Get(ctx context.Context, runUUID string) (*domain.Run, error) {
	if runUUID == s.victim && !s.fired {
		s.fired = true
		run, err := s.Store.Get(ctx, runUUID)
		if err != nil {
			return nil, err
		}
		run.Exit(domain.StatusExpired, run.ModifiedOn)
		if err := s.Store.Save(ctx, run); err != nil {
			return nil, err
		}
	}
	return s.Store.Get(ctx, runUUID)
}

func TestEngine_StaleStepIsDiscarded(t *testing.T) {
	store := &racingStore{Store: memory.NewStore()}
	h := newHarnessWithStore(t, store, []string{colorFlow})
	runUUID := h.start(t, "color-flow", "contact-1").Runs[0].UUID

	store.victim = runUUID
	out := h.send(t, "contact-1", "orange")
	assert.False(t, out.Handled)
	assert.Empty(t, out.Actions, "no side effects from a discarded step")

	run := h.run(t, runUUID)
	assert.Equal(t, domain.StatusExpired, run.Status, "the expiry is not overwritten")
	assert.Len(t, run.Path, 2)
	assert.Empty(t, run.Results)
}
