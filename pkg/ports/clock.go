package ports

import "time"

// Clock is an injectable time source so tests can control timestamps and
// measured durations deterministically.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }
