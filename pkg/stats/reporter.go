// Package stats computes on-demand aggregate views of the session registry
// and exposes them as a prometheus collector.
package stats

import (
	"github.com/wpeva/undetect-fleet/pkg/domain"
	"github.com/wpeva/undetect-fleet/pkg/registry"
)

// Reporter reads the registry without mutating it. No caching: each Report
// call is a fresh O(n) scan, which keeps the by-region and by-state sums
// consistent with TotalSessions by construction.
type Reporter struct {
	registry *registry.Registry
}

// NewReporter creates a reporter over the registry.
func NewReporter(reg *registry.Registry) *Reporter {
	return &Reporter{registry: reg}
}

// Report computes the current distribution of sessions across regions and
// states. Terminated sessions are removed from the registry, so the total is
// simply every session it still holds.
func (r *Reporter) Report() domain.Statistics {
	sessions := r.registry.Snapshot()

	stats := domain.Statistics{
		TotalSessions:    len(sessions),
		SessionsByRegion: make(map[string]int),
		SessionsByState:  make(map[domain.SessionState]int),
	}
	for _, sess := range sessions {
		stats.SessionsByRegion[sess.Region]++
		stats.SessionsByState[sess.State]++
		if sess.State == domain.StateMigrating {
			stats.QueueLength++
		}
	}
	return stats
}
