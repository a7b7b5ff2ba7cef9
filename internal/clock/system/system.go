// Package system provides the wall-clock Clock used outside of tests.
package system

import "time"

// Clock reads the system wall clock. Every timestamp the service persists is
// UTC so checkpoint times compare across hosts.
type Clock struct{}

// New constructs a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
