package domain

// Event topics published on the engine's bus. The names and payload shapes
// are part of the external contract (dashboards and audit consumers key on
// them) and must not change.
const (
	TopicSessionRegistered = "session:registered" // payload: *Session
	TopicSessionMigrating  = "session:migrating"  // payload: MigratingEvent
	TopicSessionMigrated   = "session:migrated"   // payload: MigratedEvent
	TopicSessionTerminated = "session:terminated" // payload: TerminatedEvent
	TopicRegionEvacuated   = "region:evacuated"   // payload: EvacuatedEvent
)

// MigratingEvent announces that a relocation has started.
type MigratingEvent struct {
	SessionID string `json:"sessionId"`
	OldRegion string `json:"oldRegion"`
	NewRegion string `json:"newRegion"`
}

// MigratedEvent announces that a relocation completed successfully.
type MigratedEvent struct {
	SessionID string `json:"sessionId"`
	NewRegion string `json:"newRegion"`
}

// TerminatedEvent announces that a session was removed from the registry.
type TerminatedEvent struct {
	SessionID string `json:"sessionId"`
}

// EvacuatedEvent is the single aggregate event emitted after a region
// evacuation, listing the outcome of every attempted relocation.
type EvacuatedEvent struct {
	SourceRegion string            `json:"sourceRegion"`
	Results      []MigrationResult `json:"results"`
}
