// ABOUTME: Clock abstraction for coordinator timers
// ABOUTME: Production uses time.AfterFunc; tests substitute a manual clock

package batching

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
