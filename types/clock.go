package types

import "time"

// Clock supplies the current time. Every deadline in the coordination core
// is computed against an injected Clock so sweeps stay deterministic under
// test; nothing in this module arms OS timers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}
