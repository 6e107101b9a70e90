// Package clock abstracts wall-clock timers so pacing can be driven
// manually in tests.
package clock

import "time"

// Clock schedules callbacks after a delay.
//
// Implementations must invoke f without holding any lock the caller of
// AfterFunc might also take.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback. Stop reports whether it prevented the call.
type Timer interface {
	Stop() bool
}

// System is the production clock backed by package time.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
