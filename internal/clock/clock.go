// Package clock abstracts wall-clock time so sync and linking decisions can
// be driven deterministically in tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock. Times are returned in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// OrSystem returns c, or the system clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
