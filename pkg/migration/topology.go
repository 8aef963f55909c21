package migration

import (
	"fmt"
	"sync"

	"github.com/wpeva/undetect-fleet/pkg/domain"
)

// RoundRobinTopology is the default destination policy: it cycles through
// the configured regions, skipping the source, with an independent cursor
// per source region so evacuations spread load evenly.
type RoundRobinTopology struct {
	mu      sync.Mutex
	regions []string
	cursors map[string]int
}

// NewRoundRobinTopology builds a topology over the given region codes.
func NewRoundRobinTopology(regions ...string) *RoundRobinTopology {
	return &RoundRobinTopology{
		regions: append([]string(nil), regions...),
		cursors: make(map[string]int),
	}
}

// PickDestination returns the next alternate region for sourceRegion.
func (t *RoundRobinTopology) PickDestination(sessionID, sourceRegion string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.regions) == 0 {
		return "", fmt.Errorf("pick destination for %s: %w", sessionID, domain.ErrNoAlternateRegion)
	}
	cursor := t.cursors[sourceRegion]
	for range t.regions {
		candidate := t.regions[cursor%len(t.regions)]
		cursor++
		if candidate != sourceRegion {
			t.cursors[sourceRegion] = cursor
			return candidate, nil
		}
	}
	t.cursors[sourceRegion] = cursor
	return "", fmt.Errorf("pick destination for %s from %s: %w", sessionID, sourceRegion, domain.ErrNoAlternateRegion)
}
