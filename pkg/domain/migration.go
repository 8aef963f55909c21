package domain

import "time"

// MigrationResult is the outcome of one migration attempt. Domain failures
// are reported here as data, never as returned errors, so batch operations
// stay resilient to partial failure.
type MigrationResult struct {
	SessionID string `json:"sessionId"`
	OldRegion string `json:"oldRegion"`
	NewRegion string `json:"newRegion"`
	Success   bool   `json:"success"`

	// Error carries the failure message, or an informational note on a
	// short-circuited no-op ("Already in target region").
	Error string `json:"error,omitempty"`

	// Duration is the elapsed wall-clock time of the attempt. Strictly
	// positive on a real transfer, zero on a no-op.
	Duration time.Duration `json:"duration"`
}

// Statistics is an on-demand aggregate view of the registry. The values of
// SessionsByRegion sum to TotalSessions, and likewise SessionsByState.
type Statistics struct {
	TotalSessions    int                  `json:"totalSessions"`
	SessionsByRegion map[string]int       `json:"sessionsByRegion"`
	SessionsByState  map[SessionState]int `json:"sessionsByState"`

	// QueueLength counts in-flight migrations (sessions in MIGRATING).
	QueueLength int `json:"queueLength"`
}
