package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wpeva/undetect-fleet/pkg/ports"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lockManager serializes work per session ID, upholding the at-most-one
// in-flight-migration rule. It uses reference counting to garbage collect
// unused locks, and optionally extends exclusivity across engine instances
// through a distributed locker.
type lockManager struct {
	mu    sync.Mutex // Global lock for the map
	locks map[string]*lockEntry

	locker  ports.DistributedLocker // Optional
	lockTTL time.Duration
	logger  *slog.Logger
}

func newLockManager(locker ports.DistributedLocker, lockTTL time.Duration, logger *slog.Logger) *lockManager {
	return &lockManager{
		locks:   make(map[string]*lockEntry),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger,
	}
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock entry.mu and then call release(sessionID) after unlocking.
func (m *lockManager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry at zero.
func (m *lockManager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// withLock executes fn while holding the session's lock. A second request
// for the same session queues behind the first rather than failing fast.
func (m *lockManager) withLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				m.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
