// Package clock abstracts wall-clock time and one-shot timers so that the
// relay's grace periods, bans, and rate windows can be driven manually in
// tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is the subset of *time.Timer the relay relies on.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct {
	clockwork.Clock
}

// Real returns a Clock backed by the system time.
func Real() Clock {
	return realClock{Clock: clockwork.NewRealClock()}
}

func (c realClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.Clock.AfterFunc(d, f)
}
