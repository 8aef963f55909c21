package ports

// RegionTopology supplies the destination selection policy used during an
// evacuation. Implementations must never return the source region itself.
type RegionTopology interface {
	// PickDestination chooses an alternate region for the given session.
	// Returns domain.ErrNoAlternateRegion when no destination exists.
	PickDestination(sessionID, sourceRegion string) (string, error)
}
