package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker extends the coordinator's per-session exclusivity across
// multiple engine instances. Optional: a single-process deployment relies on
// the in-process lock map alone.
type DistributedLocker interface {
	// Lock acquires a distributed lock for the given key (a session ID).
	// It blocks until the lock is acquired or the context is canceled.
	// The returned UnlockFunc MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
