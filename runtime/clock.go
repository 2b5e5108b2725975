package runtime

import "time"

// Clock abstracts time so timeout-driven behavior (typing expiry, lastSeen)
// is deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }
