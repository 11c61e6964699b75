// Package clock provides the millisecond tick source used for keepalive
// timers, login deadlines, and verification-ticket salts. It exists as a
// seam so tests can drive time deterministically instead of sleeping.
package clock

import "time"

// Source yields the current time as milliseconds since an arbitrary epoch.
// Only differences between two NowMillis() calls are meaningful.
type Source interface {
	NowMillis() int64
}

// System is a Source backed by the real wall clock.
type System struct{}

// NowMillis returns time.Now() in milliseconds since the Unix epoch.
func (System) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Manual is a Source a test can advance explicitly.
type Manual struct {
	millis int64
}

// NewManual creates a Manual clock starting at the given millisecond value.
func NewManual(startMillis int64) *Manual {
	return &Manual{millis: startMillis}
}

// NowMillis returns the current simulated time.
func (m *Manual) NowMillis() int64 {
	return m.millis
}

// Advance moves the simulated clock forward by delta milliseconds.
func (m *Manual) Advance(delta int64) {
	m.millis += delta
}
