package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker coordinates access to a key across engine replicas.
type DistributedLocker interface {
	// Lock blocks until the lock for key is acquired or ctx is done.
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// KeyedLocker runs fn while holding the lock for key. Implementations return
// domain.ErrDeferred when the lock cannot be had in time.
type KeyedLocker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}
