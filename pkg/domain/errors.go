package domain

import "errors"

// ErrSessionNotFound is returned when a session ID cannot be found in the registry.
var ErrSessionNotFound = errors.New("session not found")

// ErrDuplicateSession is returned when registering an ID that is already present.
var ErrDuplicateSession = errors.New("session already registered")

// ErrNoAlternateRegion is returned by a topology that has no destination
// other than the source region.
var ErrNoAlternateRegion = errors.New("no alternate region available")

// ErrTransportTimeout is returned when a state transfer exceeds its deadline.
var ErrTransportTimeout = errors.New("state transfer timed out")

// ErrEngineStopped is returned for operations issued after Stop.
var ErrEngineStopped = errors.New("engine stopped")
