// Package migration orchestrates session relocations: single migrations,
// bounded-parallel batches and whole-region evacuations. It enforces the
// per-session state machine (ACTIVE -> MIGRATING -> ACTIVE) and the
// one-in-flight-per-session rule.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
	"github.com/wpeva/undetect-fleet/pkg/ports"
	"github.com/wpeva/undetect-fleet/pkg/registry"
)

const (
	// DefaultTimeout bounds one transport round trip (export + import).
	DefaultTimeout = 30 * time.Second

	// DefaultBatchWorkers bounds batch/evacuation parallelism so a mass
	// relocation cannot overwhelm the transport.
	DefaultBatchWorkers = 4
)

// Messages surfaced inside MigrationResult. Part of the external contract.
const (
	msgNotFound = "Session not found"
	msgNoOp     = "Already in target region"
)

// Observer is notified after every finished migration attempt. Used to feed
// metrics; must not block.
type Observer func(domain.MigrationResult)

// Coordinator runs migrations on top of the registry and a state transport.
type Coordinator struct {
	registry  *registry.Registry
	transport ports.StateTransport
	bus       *events.Bus
	clock     ports.Clock
	locks     *lockManager
	logger    *slog.Logger

	timeout  time.Duration
	workers  int
	observer Observer
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock sets the time source used for timestamps and durations.
func WithClock(clock ports.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithTimeout bounds each transport round trip. A timeout is treated
// identically to a transport failure.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithBatchWorkers sets the parallelism of BatchMigrate and evacuations.
func WithBatchWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLocker enables distributed per-session locking for multi-instance
// deployments.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(c *Coordinator) {
		c.locks.locker = locker
	}
}

// WithObserver registers a callback for finished migration attempts.
func WithObserver(fn Observer) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// NewCoordinator creates a coordinator over the given registry and transport.
func NewCoordinator(reg *registry.Registry, transport ports.StateTransport, bus *events.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:  reg,
		transport: transport,
		bus:       bus,
		clock:     ports.SystemClock(),
		logger:    logging.NewNop(),
		timeout:   DefaultTimeout,
		workers:   DefaultBatchWorkers,
	}
	c.locks = newLockManager(nil, c.timeout, c.logger)
	for _, opt := range opts {
		opt(c)
	}
	c.locks.lockTTL = c.timeout
	c.locks.logger = c.logger
	return c
}

// Migrate relocates one session to targetRegion. All domain failures are
// reported inside the result, never as a panic or a returned error, so batch
// operations stay resilient to partial failure.
func (c *Coordinator) Migrate(ctx context.Context, id, targetRegion string) domain.MigrationResult {
	var res domain.MigrationResult
	// withLock queues concurrent requests for the same session; the closure
	// never returns an error because failures live inside the result.
	_ = c.locks.withLock(ctx, id, func(ctx context.Context) error {
		res = c.migrateLocked(ctx, id, targetRegion)
		return nil
	})
	if c.observer != nil {
		c.observer(res)
	}
	return res
}

func (c *Coordinator) migrateLocked(ctx context.Context, id, targetRegion string) domain.MigrationResult {
	sess, ok := c.registry.Get(id)
	if !ok {
		return domain.MigrationResult{
			SessionID: id,
			NewRegion: targetRegion,
			Error:     msgNotFound,
		}
	}

	oldRegion := sess.Region
	if oldRegion == targetRegion {
		// Genuine no-op: no state transition, no migration events.
		return domain.MigrationResult{
			SessionID: id,
			OldRegion: oldRegion,
			NewRegion: oldRegion,
			Success:   true,
			Error:     msgNoOp,
		}
	}

	if sess.State != domain.StateActive {
		return domain.MigrationResult{
			SessionID: id,
			OldRegion: oldRegion,
			NewRegion: targetRegion,
			Error:     fmt.Sprintf("session is %s, not %s", sess.State, domain.StateActive),
		}
	}

	start := c.clock.Now()
	if serr := c.registry.SetState(id, domain.StateMigrating); serr != nil {
		return domain.MigrationResult{
			SessionID: id,
			OldRegion: oldRegion,
			NewRegion: targetRegion,
			Error:     serr.Error(),
		}
	}
	c.bus.Publish(domain.TopicSessionMigrating, domain.MigratingEvent{
		SessionID: id,
		OldRegion: oldRegion,
		NewRegion: targetRegion,
	})

	err := c.transfer(ctx, sess, targetRegion)
	if err != nil {
		// Revert: region unchanged, session stays usable in place.
		_ = c.registry.SetState(id, domain.StateActive)
		c.logger.Warn("migration failed",
			"session_id", id,
			"old_region", oldRegion,
			"new_region", targetRegion,
			"err", err,
		)
		return domain.MigrationResult{
			SessionID: id,
			OldRegion: oldRegion,
			NewRegion: targetRegion,
			Error:     err.Error(),
			Duration:  c.clock.Since(start),
		}
	}

	if rerr := c.registry.CompleteMigration(id, targetRegion, c.clock.Now()); rerr != nil {
		// Session vanished mid-flight (terminated concurrently). Nothing
		// left to revert; report the failure.
		return domain.MigrationResult{
			SessionID: id,
			OldRegion: oldRegion,
			NewRegion: targetRegion,
			Error:     rerr.Error(),
			Duration:  c.clock.Since(start),
		}
	}

	c.bus.Publish(domain.TopicSessionMigrated, domain.MigratedEvent{
		SessionID: id,
		NewRegion: targetRegion,
	})
	c.logger.Info("session migrated",
		"session_id", id,
		"old_region", oldRegion,
		"new_region", targetRegion,
	)

	return domain.MigrationResult{
		SessionID: id,
		OldRegion: oldRegion,
		NewRegion: targetRegion,
		Success:   true,
		Duration:  c.clock.Since(start),
	}
}

// transfer runs the export/import round trip under the configured deadline.
func (c *Coordinator) transfer(ctx context.Context, sess *domain.Session, targetRegion string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := c.transport.ExportState(ctx, sess)
	if err != nil {
		return c.transportErr("export", err)
	}
	if err := c.transport.ImportState(ctx, targetRegion, payload); err != nil {
		return c.transportErr("import", err)
	}
	return nil
}

func (c *Coordinator) transportErr(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", stage, domain.ErrTransportTimeout, c.timeout)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// BatchMigrate applies Migrate to each id with bounded parallelism. The
// result slice is positionally aligned with ids, and one failing session
// never aborts its siblings. Duplicate ids serialize on the session lock.
func (c *Coordinator) BatchMigrate(ctx context.Context, ids []string, targetRegion string) []domain.MigrationResult {
	results := make([]domain.MigrationResult, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = c.Migrate(ctx, id, targetRegion)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	return results
}

// Terminate removes the session permanently and emits session:terminated.
// It takes the session lock, so a termination issued during a migration
// waits for the migration to settle first.
func (c *Coordinator) Terminate(ctx context.Context, id string) error {
	return c.locks.withLock(ctx, id, func(ctx context.Context) error {
		if !c.registry.Remove(id) {
			return fmt.Errorf("terminate %s: %w", id, domain.ErrSessionNotFound)
		}
		c.bus.Publish(domain.TopicSessionTerminated, domain.TerminatedEvent{SessionID: id})
		c.logger.Info("session terminated", "session_id", id)
		return nil
	})
}

// Suspend pauses an active session. Suspended sessions refuse migration
// until resumed.
func (c *Coordinator) Suspend(ctx context.Context, id string) error {
	return c.setState(ctx, id, domain.StateActive, domain.StateSuspended)
}

// Resume reactivates a suspended session.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	return c.setState(ctx, id, domain.StateSuspended, domain.StateActive)
}

func (c *Coordinator) setState(ctx context.Context, id string, from, to domain.SessionState) error {
	return c.locks.withLock(ctx, id, func(ctx context.Context) error {
		sess, ok := c.registry.Get(id)
		if !ok {
			return fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
		}
		if sess.State != from {
			return fmt.Errorf("session %s is %s, expected %s", id, sess.State, from)
		}
		return c.registry.SetState(id, to)
	})
}
