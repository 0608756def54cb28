package histstore

import "time"

// Clock abstracts wall-clock time so tests can control last-accessed
// timestamps deterministically. Production code uses the real clock
// unless [WithClock] injects another.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
