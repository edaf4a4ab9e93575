package clock

import "time"

// Clock provides a testable time source.
//
// Components that compare wall-clock time (offer expiry, token expiry,
// message arrival stamps) take a Clock so tests stay deterministic.
type Clock interface {
	Now() time.Time
}

// Real is a production Clock implementation backed by time.Now.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }
