package migration_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
	"github.com/wpeva/undetect-fleet/pkg/migration"
)

func newEvacuator(f *coordFixture, topology *migration.RoundRobinTopology) *migration.Evacuator {
	return migration.NewEvacuator(f.coord, f.registry, topology, f.bus)
}

func TestEvacuate_RelocatesEverySession(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")
	f.addSession("s2", "us-east")
	f.addSession("s3", "us-east")
	f.addSession("elsewhere", "eu-west")

	evac := newEvacuator(f, migration.NewRoundRobinTopology("eu-west", "ap-south"))

	var aggregates []domain.EvacuatedEvent
	f.bus.Subscribe(domain.TopicRegionEvacuated, func(evt events.Event) {
		aggregates = append(aggregates, evt.Payload.(domain.EvacuatedEvent))
	})

	results := evac.Evacuate(context.Background(), "us-east")

	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success, "unexpected failure: %s", res.Error)
		assert.Equal(t, "us-east", res.OldRegion)
		assert.NotEqual(t, "us-east", res.NewRegion)
	}

	assert.Empty(t, f.registry.ByRegion("us-east"))

	// Untouched bystander.
	sess, _ := f.registry.Get("elsewhere")
	assert.Equal(t, "eu-west", sess.Region)

	require.Len(t, aggregates, 1)
	assert.Equal(t, "us-east", aggregates[0].SourceRegion)
	assert.ElementsMatch(t, results, aggregates[0].Results)
}

func TestEvacuate_EmptyRegionIsIdempotent(t *testing.T) {
	f := newFixture()
	evac := newEvacuator(f, migration.NewRoundRobinTopology("eu-west"))

	results := evac.Evacuate(context.Background(), "us-east")
	assert.NotNil(t, results)
	assert.Empty(t, results)

	// Second call on the still-empty region behaves the same.
	assert.Empty(t, evac.Evacuate(context.Background(), "us-east"))
}

func TestEvacuate_FailedSessionsStayPut(t *testing.T) {
	f := newFixture()
	f.transport.failImport = errors.New("destination unreachable")
	f.addSession("s1", "us-east")

	evac := newEvacuator(f, migration.NewRoundRobinTopology("eu-west"))
	results := evac.Evacuate(context.Background(), "us-east")

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "destination unreachable")

	// Failed sessions remain in the source region for the caller to retry.
	assert.Len(t, f.registry.ByRegion("us-east"), 1)
}

func TestEvacuate_NoAlternateRegion(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")

	evac := newEvacuator(f, migration.NewRoundRobinTopology("us-east"))
	results := evac.Evacuate(context.Background(), "us-east")

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorContains(t, errors.New(results[0].Error), "no alternate region")
	assert.Len(t, f.registry.ByRegion("us-east"), 1)
}

func TestEvacuate_SnapshotTakenAtCallTime(t *testing.T) {
	f := newFixture()
	f.addSession("s1", "us-east")

	evac := newEvacuator(f, migration.NewRoundRobinTopology("eu-west"))
	results := evac.Evacuate(context.Background(), "us-east")
	require.Len(t, results, 1)

	// A session registered after the evacuation is not part of it.
	f.addSession("late", "us-east")
	assert.Len(t, f.registry.ByRegion("us-east"), 1)
}
