package migration_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
	"github.com/wpeva/undetect-fleet/pkg/migration"
	"github.com/wpeva/undetect-fleet/pkg/registry"
)

// fakeClock advances by one millisecond on every Now call, so measured
// durations are deterministic and strictly positive.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// fakeTransport records transfers and can be made to fail, hang, or count
// concurrent calls.
type fakeTransport struct {
	mu          sync.Mutex
	exports     int
	imports     int
	inflight    int
	maxInflight int

	failExport error
	failImport error
	hold       chan struct{} // if non-nil, ImportState blocks until closed
}

func (f *fakeTransport) ExportState(ctx context.Context, sess *domain.Session) ([]byte, error) {
	f.mu.Lock()
	f.exports++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	failErr := f.failExport
	f.mu.Unlock()

	if failErr != nil {
		f.done()
		return nil, failErr
	}
	return []byte(sess.ID), nil
}

func (f *fakeTransport) ImportState(ctx context.Context, region string, payload []byte) error {
	f.mu.Lock()
	f.imports++
	hold := f.hold
	failErr := f.failImport
	f.mu.Unlock()
	defer f.done()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failErr
}

func (f *fakeTransport) done() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

type coordFixture struct {
	bus       *events.Bus
	registry  *registry.Registry
	transport *fakeTransport
	clock     *fakeClock
	coord     *migration.Coordinator
}

func newFixture(opts ...migration.Option) *coordFixture {
	f := &coordFixture{
		bus:       events.NewBus(),
		transport: &fakeTransport{},
		clock:     newFakeClock(),
	}
	f.registry = registry.New(f.bus)
	opts = append([]migration.Option{migration.WithClock(f.clock)}, opts...)
	f.coord = migration.NewCoordinator(f.registry, f.transport, f.bus, opts...)
	return f
}

func (f *coordFixture) addSession(id, region string) *domain.Session {
	sess := domain.NewSession(id, "u-"+id, "b-"+id, region, f.clock.Now())
	if err := f.registry.Register(sess); err != nil {
		panic(err)
	}
	return sess
}

func TestMigrate_UnknownSession(t *testing.T) {
	f := newFixture()

	res := f.coord.Migrate(context.Background(), "ghost", "eu-west")

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Session not found")
	assert.Equal(t, "ghost", res.SessionID)
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.transport.exports)
}

func TestMigrate_SameRegionIsNoOp(t *testing.T) {
	f := newFixture()
	sess := f.addSession("s1", "us-east")
	before := sess.LastActivity

	var migrationEvents int
	f.bus.Subscribe(domain.TopicSessionMigrating, func(events.Event) { migrationEvents++ })
	f.bus.Subscribe(domain.TopicSessionMigrated, func(events.Event) { migrationEvents++ })

	res := f.coord.Migrate(context.Background(), "s1", "us-east")

	assert.True(t, res.Success)
	assert.Contains(t, res.Error, "Already in target region")
	assert.Equal(t, "us-east", res.OldRegion)
	assert.Equal(t, "us-east", res.NewRegion)
	assert.Zero(t, res.Duration)

	got, _ := f.registry.Get("s1")
	assert.Equal(t, "us-east", got.Region)
	assert.Equal(t, before, got.LastActivity, "no-op must not touch lastActivity")
	assert.Equal(t, domain.StateActive, got.State)
	assert.Zero(t, migrationEvents, "no-op emits no migration events")
	assert.Zero(t, f.transport.exports)
}

func TestMigrate_Success(t *testing.T) {
	f := newFixture()
	sess := f.addSession("s1", "us-east")
	before := sess.LastActivity

	res := f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, "us-east", res.OldRegion)
	assert.Equal(t, "eu-west", res.NewRegion)
	assert.Greater(t, res.Duration, time.Duration(0))

	got, _ := f.registry.Get("s1")
	assert.Equal(t, "eu-west", got.Region)
	assert.Equal(t, domain.StateActive, got.State)
	assert.True(t, got.LastActivity.After(before))

	// Index follows the session.
	assert.Empty(t, f.registry.ByRegion("us-east"))
	assert.Len(t, f.registry.ByRegion("eu-west"), 1)

	assert.Equal(t, 1, f.transport.exports)
	assert.Equal(t, 1, f.transport.imports)
}

func TestMigrate_TransportFailureRevertsState(t *testing.T) {
	f := newFixture()
	f.transport.failImport = errors.New("link down")
	sess := f.addSession("s1", "us-east")
	before := sess.LastActivity

	var migrated int
	f.bus.Subscribe(domain.TopicSessionMigrated, func(events.Event) { migrated++ })

	res := f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "link down")
	assert.Equal(t, "us-east", res.OldRegion)
	assert.Equal(t, "eu-west", res.NewRegion)

	// Session stays usable in its original region.
	got, _ := f.registry.Get("s1")
	assert.Equal(t, "us-east", got.Region)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, before, got.LastActivity)
	assert.Len(t, f.registry.ByRegion("us-east"), 1)
	assert.Zero(t, migrated, "no session:migrated on failure")
}

func TestMigrate_ExportFailure(t *testing.T) {
	f := newFixture()
	f.transport.failExport = errors.New("profile busy")
	f.addSession("s1", "us-east")

	res := f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "profile busy")
	got, _ := f.registry.Get("s1")
	assert.Equal(t, domain.StateActive, got.State)
	assert.Zero(t, f.transport.imports, "import must not run after a failed export")
}

func TestMigrate_Timeout(t *testing.T) {
	f := newFixture(migration.WithTimeout(20 * time.Millisecond))
	f.transport.hold = make(chan struct{}) // never closed: import hangs
	f.addSession("s1", "us-east")

	res := f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	got, _ := f.registry.Get("s1")
	assert.Equal(t, "us-east", got.Region)
	assert.Equal(t, domain.StateActive, got.State)
}

func TestMigrate_SuspendedSessionRefused(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")
	require.NoError(t, f.coord.Suspend(context.Background(), "s1"))

	res := f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, string(domain.StateSuspended))
	got, _ := f.registry.Get("s1")
	assert.Equal(t, "us-east", got.Region)

	require.NoError(t, f.coord.Resume(context.Background(), "s1"))
	res = f.coord.Migrate(context.Background(), "s1", "eu-west")
	assert.True(t, res.Success)
}

func TestMigrate_EventOrdering(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")

	var order []string
	f.bus.Subscribe(domain.TopicSessionMigrating, func(evt events.Event) {
		payload := evt.Payload.(domain.MigratingEvent)
		assert.Equal(t, "s1", payload.SessionID)
		assert.Equal(t, "us-east", payload.OldRegion)
		assert.Equal(t, "eu-west", payload.NewRegion)
		order = append(order, "migrating")
	})
	f.bus.Subscribe(domain.TopicSessionMigrated, func(evt events.Event) {
		payload := evt.Payload.(domain.MigratedEvent)
		assert.Equal(t, "s1", payload.SessionID)
		assert.Equal(t, "eu-west", payload.NewRegion)
		order = append(order, "migrated")
	})

	f.coord.Migrate(context.Background(), "s1", "eu-west")

	assert.Equal(t, []string{"migrating", "migrated"}, order)
}

func TestMigrate_OneInFlightPerSession(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")

	hold := make(chan struct{})
	f.transport.hold = hold

	var wg sync.WaitGroup
	results := make([]domain.MigrationResult, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = f.coord.Migrate(context.Background(), "s1", "eu-west")
	}()
	go func() {
		defer wg.Done()
		results[1] = f.coord.Migrate(context.Background(), "s1", "ap-south")
	}()

	// Let both goroutines reach the coordinator, then release the transport.
	time.Sleep(50 * time.Millisecond)
	close(hold)
	wg.Wait()

	assert.Equal(t, 1, f.transport.maxInflight, "migrations for one session must serialize")

	// Both attempts settle; whichever ran second either migrated again or
	// observed a session already relocated.
	for _, res := range results {
		assert.NotEmpty(t, res.SessionID)
	}
	sess, ok := f.registry.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, sess.State)
	assert.NotEqual(t, "us-east", sess.Region)
}

func TestBatchMigrate_PreservesOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")
	f.addSession("s2", "us-east")
	f.addSession("s3", "us-east")

	ids := []string{"s1", "ghost", "s2", "s3"}
	results := f.coord.BatchMigrate(context.Background(), ids, "eu-west")

	require.Len(t, results, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, results[i].SessionID, "result %d must align with input order", i)
	}

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "Session not found")
	assert.True(t, results[2].Success)
	assert.True(t, results[3].Success)

	for _, id := range []string{"s1", "s2", "s3"} {
		sess, _ := f.registry.Get(id)
		assert.Equal(t, "eu-west", sess.Region)
	}
}

func TestBatchMigrate_BoundedParallelism(t *testing.T) {
	f := newFixture(migration.WithBatchWorkers(2))
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
		f.addSession(ids[i], "us-east")
	}

	hold := make(chan struct{})
	f.transport.hold = hold
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(hold)
	}()

	results := f.coord.BatchMigrate(context.Background(), ids, "eu-west")

	require.Len(t, results, len(ids))
	assert.LessOrEqual(t, f.transport.maxInflight, 2)
	for _, res := range results {
		assert.True(t, res.Success, "unexpected failure: %s", res.Error)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")

	var terminated []string
	f.bus.Subscribe(domain.TopicSessionTerminated, func(evt events.Event) {
		terminated = append(terminated, evt.Payload.(domain.TerminatedEvent).SessionID)
	})

	require.NoError(t, f.coord.Terminate(context.Background(), "s1"))

	_, ok := f.registry.Get("s1")
	assert.False(t, ok)
	assert.Empty(t, f.registry.ByRegion("us-east"))
	assert.Equal(t, []string{"s1"}, terminated)

	assert.ErrorIs(t, f.coord.Terminate(context.Background(), "s1"), domain.ErrSessionNotFound)
}

func TestSuspendResume_Transitions(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")
	ctx := context.Background()

	assert.Error(t, f.coord.Resume(ctx, "s1"), "resume of an active session must fail")
	require.NoError(t, f.coord.Suspend(ctx, "s1"))
	assert.Error(t, f.coord.Suspend(ctx, "s1"), "double suspend must fail")
	require.NoError(t, f.coord.Resume(ctx, "s1"))

	assert.ErrorIs(t, f.coord.Suspend(ctx, "ghost"), domain.ErrSessionNotFound)
}

func TestMigrate_ObserverSeesEveryAttempt(t *testing.T) {
	var seen []domain.MigrationResult
	var mu sync.Mutex
	observer := func(res domain.MigrationResult) {
		mu.Lock()
		seen = append(seen, res)
		mu.Unlock()
	}

	f := newFixture(migration.WithObserver(observer))
	f.addSession("s1", "us-east")

	f.coord.Migrate(context.Background(), "s1", "eu-west")
	f.coord.Migrate(context.Background(), "ghost", "eu-west")

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Success)
	assert.False(t, seen[1].Success)
}
