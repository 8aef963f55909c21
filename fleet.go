package fleet

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/adapters/memtransport"
	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
	"github.com/wpeva/undetect-fleet/pkg/migration"
	"github.com/wpeva/undetect-fleet/pkg/ports"
	"github.com/wpeva/undetect-fleet/pkg/registry"
	"github.com/wpeva/undetect-fleet/pkg/stats"
)

// Engine is the high-level entry point for the fleet library. It wires the
// registry, migration coordinator, evacuator, statistics reporter and event
// bus into one owned object; independent engines never share state.
type Engine struct {
	bus         *events.Bus
	registry    *registry.Registry
	coordinator *migration.Coordinator
	evacuator   *migration.Evacuator
	reporter    *stats.Reporter

	logger  *slog.Logger
	clock   ports.Clock
	stopped atomic.Bool

	// construction-time knobs
	transport  ports.StateTransport
	topology   ports.RegionTopology
	locker     ports.DistributedLocker
	timeout    time.Duration
	workers    int
	registerer prometheus.Registerer
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a structured logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock injects a time source. Tests use this to control timestamps and
// measured durations.
func WithClock(clock ports.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithTransport injects the state transport. Defaults to the in-memory
// transport, which is only meaningful for single-node deployments.
func WithTransport(t ports.StateTransport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithTopology injects the destination selection policy used by evacuations.
func WithTopology(t ports.RegionTopology) Option {
	return func(e *Engine) {
		e.topology = t
	}
}

// WithRegions configures the default round-robin topology over the given
// region codes. Shorthand for WithTopology(migration.NewRoundRobinTopology(...)).
func WithRegions(regions ...string) Option {
	return func(e *Engine) {
		e.topology = migration.NewRoundRobinTopology(regions...)
	}
}

// WithMigrationTimeout bounds each transport round trip.
func WithMigrationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithBatchWorkers bounds batch and evacuation parallelism.
func WithBatchWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithLocker enables distributed per-session locking.
func WithLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithMetrics registers the engine's prometheus collector with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// New initializes a fleet engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:  logging.NewNop(),
		clock:   ports.SystemClock(),
		timeout: migration.DefaultTimeout,
		workers: migration.DefaultBatchWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = memtransport.New()
	}
	if e.topology == nil {
		e.topology = migration.NewRoundRobinTopology()
	}

	e.bus = events.NewBus(events.WithLogger(e.logger), events.WithClock(e.clock))
	e.registry = registry.New(e.bus, registry.WithLogger(e.logger))
	e.reporter = stats.NewReporter(e.registry)

	coordOpts := []migration.Option{
		migration.WithLogger(e.logger),
		migration.WithClock(e.clock),
		migration.WithTimeout(e.timeout),
		migration.WithBatchWorkers(e.workers),
	}
	if e.locker != nil {
		coordOpts = append(coordOpts, migration.WithLocker(e.locker))
	}
	if e.registerer != nil {
		collector := stats.NewCollector(e.reporter)
		e.registerer.MustRegister(collector)
		coordOpts = append(coordOpts, migration.WithObserver(collector.Observe))
	}
	e.coordinator = migration.NewCoordinator(e.registry, e.transport, e.bus, coordOpts...)
	e.evacuator = migration.NewEvacuator(e.coordinator, e.registry, e.topology, e.bus,
		migration.WithEvacuatorLogger(e.logger))
	return e
}

// RegisterSession stores the session and emits session:registered.
func (e *Engine) RegisterSession(sess *domain.Session) error {
	if e.stopped.Load() {
		return domain.ErrEngineStopped
	}
	return e.registry.Register(sess)
}

// GetSession returns the session by ID. Absence is not an error.
func (e *Engine) GetSession(id string) (*domain.Session, bool) {
	return e.registry.Get(id)
}

// SessionsByRegion returns a snapshot of the sessions placed in region.
func (e *Engine) SessionsByRegion(region string) []*domain.Session {
	return e.registry.ByRegion(region)
}

// SessionsByUser returns a snapshot of the sessions owned by userID.
func (e *Engine) SessionsByUser(userID string) []*domain.Session {
	return e.registry.ByUser(userID)
}

// MigrateSession relocates one session to targetRegion. The outcome,
// including domain failures, is always inside the result.
func (e *Engine) MigrateSession(ctx context.Context, id, targetRegion string) domain.MigrationResult {
	if e.stopped.Load() {
		return stoppedResult(id, targetRegion)
	}
	return e.coordinator.Migrate(ctx, id, targetRegion)
}

// BatchMigrate relocates several sessions to targetRegion with bounded
// parallelism. Results are positionally aligned with ids.
func (e *Engine) BatchMigrate(ctx context.Context, ids []string, targetRegion string) []domain.MigrationResult {
	if e.stopped.Load() {
		results := make([]domain.MigrationResult, len(ids))
		for i, id := range ids {
			results[i] = stoppedResult(id, targetRegion)
		}
		return results
	}
	return e.coordinator.BatchMigrate(ctx, ids, targetRegion)
}

// EvacuateRegion relocates every session out of sourceRegion and emits one
// aggregate region:evacuated event.
func (e *Engine) EvacuateRegion(ctx context.Context, sourceRegion string) []domain.MigrationResult {
	if e.stopped.Load() {
		return []domain.MigrationResult{}
	}
	return e.evacuator.Evacuate(ctx, sourceRegion)
}

// TerminateSession removes the session permanently and emits
// session:terminated.
func (e *Engine) TerminateSession(ctx context.Context, id string) error {
	if e.stopped.Load() {
		return domain.ErrEngineStopped
	}
	return e.coordinator.Terminate(ctx, id)
}

// SuspendSession pauses an active session; it refuses migration until resumed.
func (e *Engine) SuspendSession(ctx context.Context, id string) error {
	if e.stopped.Load() {
		return domain.ErrEngineStopped
	}
	return e.coordinator.Suspend(ctx, id)
}

// ResumeSession reactivates a suspended session.
func (e *Engine) ResumeSession(ctx context.Context, id string) error {
	if e.stopped.Load() {
		return domain.ErrEngineStopped
	}
	return e.coordinator.Resume(ctx, id)
}

// Statistics computes the current distribution of sessions across regions
// and states. Read-only.
func (e *Engine) Statistics() domain.Statistics {
	return e.reporter.Report()
}

// Subscribe registers fn for a lifecycle event topic (see pkg/domain topic
// constants). Delivery is synchronous and in subscription order.
func (e *Engine) Subscribe(topic string, fn events.Subscriber) (unsubscribe func()) {
	return e.bus.Subscribe(topic, fn)
}

// SubscribeAll registers fn for every topic.
func (e *Engine) SubscribeAll(fn events.Subscriber) (unsubscribe func()) {
	return e.bus.SubscribeAll(fn)
}

// Stop releases subscribers and the registry indexes. It does not cancel
// in-flight migrations; those finish against the released registry and their
// events are dropped by the closed bus.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.bus.Close()
	e.registry.Close()
	e.logger.Info("fleet engine stopped")
}

func stoppedResult(id, targetRegion string) domain.MigrationResult {
	return domain.MigrationResult{
		SessionID: id,
		NewRegion: targetRegion,
		Error:     domain.ErrEngineStopped.Error(),
	}
}
