// Package registry holds the in-memory authoritative store of sessions,
// indexed by id, region and user. It is an owned object with an explicit
// lifecycle: build one per engine, release it on Stop.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
)

// Registry stores sessions and keeps the secondary indexes consistent.
// It follows copy semantics on both sides of the boundary: Register stores
// a clone of the caller's session, and every read returns a clone. The
// registry's own copies are mutated only through its write-lock primitives
// (SetState, CompleteMigration), so readers never observe a torn update.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*domain.Session
	byRegion map[string]map[string]*domain.Session
	byUser   map[string]map[string]*domain.Session

	bus    *events.Bus
	logger *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry publishing lifecycle events on bus.
func New(bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{
		byID:     make(map[string]*domain.Session),
		byRegion: make(map[string]map[string]*domain.Session),
		byUser:   make(map[string]map[string]*domain.Session),
		bus:      bus,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a copy of the session, indexes it and emits
// session:registered. A session whose ID is already present is rejected with
// domain.ErrDuplicateSession; silent overwrite would hide caller bugs.
// A session arriving without a state is treated as a fresh registration and
// stored ACTIVE.
func (r *Registry) Register(sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("invalid session: missing id")
	}
	if sess.Region == "" {
		return fmt.Errorf("invalid session %s: missing region", sess.ID)
	}
	if sess.State == "" {
		sess.State = domain.StateActive
	}

	stored := sess.Clone()

	r.mu.Lock()
	if _, exists := r.byID[stored.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", stored.ID, domain.ErrDuplicateSession)
	}
	r.byID[stored.ID] = stored
	r.indexLocked(stored)
	r.mu.Unlock()

	r.logger.Debug("session registered", "session_id", stored.ID, "region", stored.Region)
	r.bus.Publish(domain.TopicSessionRegistered, stored.Clone())
	return nil
}

// Get returns a copy of the session by ID. Absence is not an error.
func (r *Registry) Get(id string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ByRegion returns copies of the sessions currently placed in region.
// Order is not significant.
func (r *Registry) ByRegion(region string) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byRegion[region])
}

// ByUser returns copies of the sessions owned by userID.
func (r *Registry) ByUser(userID string) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

// Snapshot returns a copy of every registered session. Used by the
// statistics reporter.
func (r *Registry) Snapshot() []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Session, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, sess.Clone())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SetState transitions the session's lifecycle state under the write lock.
// Callers serialize transitions for a given session themselves; the lock
// only guarantees readers see either the old or the new state, never a torn
// write.
func (r *Registry) SetState(id string, state domain.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("set state %s: %w", id, domain.ErrSessionNotFound)
	}
	sess.State = state
	return nil
}

// CompleteMigration is the single success-path mutation: it moves the
// session to newRegion, re-activates it and stamps lastActivity, all under
// the write lock so the region index and the session fields change as one.
// Only the migration coordinator calls this, after a successful transport
// operation.
func (r *Registry) CompleteMigration(id, newRegion string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("complete migration %s: %w", id, domain.ErrSessionNotFound)
	}
	if bucket := r.byRegion[sess.Region]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byRegion, sess.Region)
		}
	}
	sess.Region = newRegion
	sess.State = domain.StateActive
	sess.LastActivity = at
	if r.byRegion[newRegion] == nil {
		r.byRegion[newRegion] = make(map[string]*domain.Session)
	}
	r.byRegion[newRegion][id] = sess
	return nil
}

// Remove deletes the session and all its index entries. Reports whether a
// session was actually removed. Internal primitive used by termination.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if bucket := r.byRegion[sess.Region]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byRegion, sess.Region)
		}
	}
	if bucket := r.byUser[sess.UserID]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
	return true
}

// Close releases the indexes. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*domain.Session)
	r.byRegion = make(map[string]map[string]*domain.Session)
	r.byUser = make(map[string]map[string]*domain.Session)
}

func (r *Registry) indexLocked(sess *domain.Session) {
	if r.byRegion[sess.Region] == nil {
		r.byRegion[sess.Region] = make(map[string]*domain.Session)
	}
	r.byRegion[sess.Region][sess.ID] = sess

	if sess.UserID != "" {
		if r.byUser[sess.UserID] == nil {
			r.byUser[sess.UserID] = make(map[string]*domain.Session)
		}
		r.byUser[sess.UserID][sess.ID] = sess
	}
}

func collect(bucket map[string]*domain.Session) []*domain.Session {
	out := make([]*domain.Session, 0, len(bucket))
	for _, sess := range bucket {
		out = append(out, sess.Clone())
	}
	return out
}
