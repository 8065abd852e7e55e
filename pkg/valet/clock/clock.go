// Package clock abstracts "now" so scheduler and budget logic can be driven
// by virtual time in tests.
package clock

import "time"

// Clock supplies the current time in the orchestrator's timezone.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, pinned to a location.
type System struct {
	Loc *time.Location
}

// Now returns the current time in the configured location (UTC if unset).
func (s System) Now() time.Time {
	if s.Loc != nil {
		return time.Now().In(s.Loc)
	}
	return time.Now().UTC()
}

// Fake is a settable clock for tests.
type Fake struct {
	T time.Time
}

func (f *Fake) Now() time.Time { return f.T }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }
