package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
	"github.com/istresearch/rapidpro-sub000/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Locking(t *testing.T) {
	manager := session.NewManager()
	ctx := context.Background()
	key := session.ContactKey("race-test")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, key, func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond) // Simulate IO
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter, "increments must not be lost")
	assert.Zero(t, manager.Held())
}

func TestManager_DefersWhenBusy(t *testing.T) {
	manager := session.NewManager(session.WithLockWait(20 * time.Millisecond))
	ctx := context.Background()
	key := session.ContactKey("busy")

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = manager.WithLock(ctx, key, func(context.Context) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	ran := false
	err := manager.WithLock(ctx, key, func(context.Context) error {
		ran = true
		return nil
	})
	close(done)

	assert.ErrorIs(t, err, domain.ErrDeferred)
	assert.False(t, ran)

	// other contacts are not affected
	require.NoError(t, manager.WithLock(ctx, session.ContactKey("other"), func(context.Context) error { return nil }))
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	err      error
}

func (r *recordingLocker) Lock(_ context.Context, key string, _ time.Duration) (ports.UnlockFunc, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	r.locked = append(r.locked, key)
	r.mu.Unlock()
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.unlocked = append(r.unlocked, key)
		return nil
	}, nil
}

func TestManager_DistributedLocker(t *testing.T) {
	locker := &recordingLocker{}
	manager := session.NewManager(session.WithLocker(locker))
	ctx := context.Background()

	err := manager.WithLock(ctx, session.FlowKey("f1"), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"flow:f1"}, locker.locked)
	assert.Equal(t, []string{"flow:f1"}, locker.unlocked)

	locker.err = context.DeadlineExceeded
	err = manager.WithLock(ctx, session.FlowKey("f1"), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrDeferred)

	locker.err = errors.New("connection refused")
	err = manager.WithLock(ctx, session.FlowKey("f1"), func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDeferred)
}
