package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a manually advanced Clock built on clockwork's FakeClock. Unlike
// clockwork's own AfterFunc, callbacks run synchronously from Advance, in
// deadline order, on the goroutine that calls Advance, so a test can assert
// on their effects as soon as Advance returns.
type Fake struct {
	mu     sync.Mutex
	fc     *clockwork.FakeClock
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	timer   clockwork.Timer
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start)}
}

// Now returns the fake current time.
func (c *Fake) Now() time.Time {
	return c.fc.Now()
}

// AfterFunc registers f to run once the clock has been advanced by d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		clock: c,
		timer: c.fc.NewTimer(d),
		at:    c.fc.Now().Add(d),
		f:     f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the interval. The lock is released while a callback runs so
// callbacks may schedule or stop other timers.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.fc.Now().Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		c.advanceToLocked(next.at)
		select {
		case <-next.timer.Chan():
		default:
		}
		next.fired = true
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.advanceToLocked(target)
	c.compactLocked()
	c.mu.Unlock()
}

// Pending reports how many timers are still waiting to fire.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *Fake) advanceToLocked(at time.Time) {
	if step := at.Sub(c.fc.Now()); step > 0 {
		c.fc.Advance(step)
	}
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	return next
}

func (c *Fake) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
