package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a key.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockWait is how long a caller waits before deferring.
	DefaultLockWait = 5 * time.Second
)

// ContactKey is the lock key serializing all steps of one contact.
func ContactKey(contactUUID string) string { return "contact:" + contactUUID }

// FlowKey is the coarser lock key used by campaign fire sweeps.
func FlowKey(flowUUID string) string { return "flow:" + flowUUID }

// RevisionKey serializes saves of one flow definition.
func RevisionKey(flowUUID string) string { return "revision:" + flowUUID }

// lockEntry holds the semaphore and the reference count.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Manager serializes work per key, locally and optionally across replicas.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

var _ ports.KeyedLocker = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLockWait sets how long WithLock waits before giving up with
// domain.ErrDeferred.
func WithLockWait(wait time.Duration) Option {
	return func(m *Manager) {
		if wait > 0 {
			m.wait = wait
		}
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultLockTTL,
		wait:   DefaultLockWait,
		logger: logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST call release(key) once done with the entry.
func (m *Manager) acquire(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		return // Should not happen if paired correctly
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

// WithLock executes fn while holding the lock for key. If the lock cannot be
// had within the configured wait the work is not run and domain.ErrDeferred
// is returned so the caller can re-queue it.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	entry := m.acquire(key)
	defer m.release(key)

	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	select {
	case entry.sem <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Debug("lock busy, deferring", "key", key)
		return fmt.Errorf("lock %s: %w", key, domain.ErrDeferred)
	}
	defer func() { <-entry.sem }()

	// Distributed Locking
	if m.locker != nil {
		unlock, err := m.locker.Lock(waitCtx, key, m.ttl)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				m.logger.Debug("distributed lock busy, deferring", "key", key)
				return fmt.Errorf("lock %s: %w", key, domain.ErrDeferred)
			}
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Held returns the number of keys currently tracked.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
