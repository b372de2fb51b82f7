package bluestreak

import "time"

// Clock supplies the current instant. Every timestamp the engine
// persists (claims, leases, wake instants, retry deadlines) is computed
// through a Clock so tests can pin time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock, in UTC.
func SystemClock() Clock { return systemClock{} }
