package migration

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/events"
	"github.com/wpeva/undetect-fleet/pkg/ports"
	"github.com/wpeva/undetect-fleet/pkg/registry"
)

// Evacuator relocates every session out of a failing or draining region,
// choosing destinations through the injected topology.
type Evacuator struct {
	coordinator *Coordinator
	registry    *registry.Registry
	topology    ports.RegionTopology
	bus         *events.Bus
	logger      *slog.Logger
}

// EvacuatorOption configures the Evacuator.
type EvacuatorOption func(*Evacuator)

// WithEvacuatorLogger sets the evacuator logger.
func WithEvacuatorLogger(logger *slog.Logger) EvacuatorOption {
	return func(e *Evacuator) {
		e.logger = logger
	}
}

// NewEvacuator creates an evacuator on top of the coordinator.
func NewEvacuator(coord *Coordinator, reg *registry.Registry, topology ports.RegionTopology, bus *events.Bus, opts ...EvacuatorOption) *Evacuator {
	e := &Evacuator{
		coordinator: coord,
		registry:    reg,
		topology:    topology,
		bus:         bus,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evacuate migrates every session currently in sourceRegion to an alternate
// region. The membership snapshot is taken at call time; sessions whose
// migration fails stay in sourceRegion for the caller to retry. Evacuating
// an already-empty region returns an empty slice. One aggregate
// region:evacuated event is emitted after all attempts complete.
func (e *Evacuator) Evacuate(ctx context.Context, sourceRegion string) []domain.MigrationResult {
	sessions := e.registry.ByRegion(sourceRegion)
	results := make([]domain.MigrationResult, len(sessions))

	e.logger.Info("evacuating region", "region", sourceRegion, "sessions", len(sessions))

	g := new(errgroup.Group)
	g.SetLimit(e.coordinator.workers)
	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			dest, err := e.topology.PickDestination(sess.ID, sourceRegion)
			if err != nil {
				results[i] = domain.MigrationResult{
					SessionID: sess.ID,
					OldRegion: sourceRegion,
					Error:     err.Error(),
				}
				return nil
			}
			results[i] = e.coordinator.Migrate(ctx, sess.ID, dest)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	e.bus.Publish(domain.TopicRegionEvacuated, domain.EvacuatedEvent{
		SourceRegion: sourceRegion,
		Results:      results,
	})
	return results
}
