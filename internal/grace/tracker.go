// Package grace implements "disconnect now, decide later": when a connection
// bound to a device drops, its identity is parked here for a fixed period.
// A reconnect from the same device cancels the entry silently; otherwise the
// expiry callback runs and the caller performs the real departure.
//
// The Tracker owns timing only. Cleanup policy lives in the callback.
package grace

import (
	"sort"
	"time"

	"github.com/huddle/relay/internal/clock"
)

// DefaultPeriod is how long a dropped identity stays reserved.
const DefaultPeriod = 10 * time.Second

// Entry describes one pending departure.
type Entry struct {
	Device      string
	Name        string
	ScheduledAt time.Time
	ExpiresAt   time.Time
}

// Remaining returns how long until the entry expires, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	d := e.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type pending struct {
	Entry
	timer clock.Timer
}

// Tracker holds at most one pending entry per device. It is not safe for
// concurrent use: every method and every timer callback must run inside the
// caller's serialization boundary, which is what dispatch provides.
type Tracker struct {
	period   time.Duration
	clock    clock.Clock
	dispatch func(func())
	entries  map[string]*pending
}

// NewTracker creates a Tracker. Timer callbacks are handed to dispatch so
// expiry becomes an ordinary serialized step; a nil dispatch runs them
// directly on the timer goroutine.
func NewTracker(period time.Duration, clk clock.Clock, dispatch func(func())) *Tracker {
	if period <= 0 {
		period = DefaultPeriod
	}
	if clk == nil {
		clk = clock.Real()
	}
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Tracker{
		period:   period,
		clock:    clk,
		dispatch: dispatch,
		entries:  make(map[string]*pending),
	}
}

// Period returns the configured grace duration.
func (t *Tracker) Period() time.Duration {
	return t.period
}

// Schedule starts a grace period for device. An existing entry for the same
// device is canceled first and returned, so rapid disconnect/reconnect/
// disconnect collapses to the latest event. onExpire runs at most once, after
// the entry has been removed.
func (t *Tracker) Schedule(device, name string, onExpire func(name string)) (Entry, bool) {
	replaced, hadEntry := t.remove(device)

	now := t.clock.Now()
	p := &pending{Entry: Entry{
		Device:      device,
		Name:        name,
		ScheduledAt: now,
		ExpiresAt:   now.Add(t.period),
	}}
	p.timer = t.clock.AfterFunc(t.period, func() {
		t.dispatch(func() { t.fire(p, onExpire) })
	})
	t.entries[device] = p

	return replaced, hadEntry
}

// fire runs the expiry unless the entry was canceled or superseded while the
// callback was waiting to be dispatched.
func (t *Tracker) fire(p *pending, onExpire func(name string)) {
	current, ok := t.entries[p.Device]
	if !ok || current != p {
		return
	}
	delete(t.entries, p.Device)
	if onExpire != nil {
		onExpire(p.Name)
	}
}

// Cancel removes the pending entry for device and returns the name it held.
// It reports false, with no side effect, when nothing was pending.
func (t *Tracker) Cancel(device string) (string, bool) {
	e, ok := t.remove(device)
	return e.Name, ok
}

func (t *Tracker) remove(device string) (Entry, bool) {
	p, ok := t.entries[device]
	if !ok {
		return Entry{}, false
	}
	p.timer.Stop()
	delete(t.entries, device)
	return p.Entry, true
}

// IsPending reports whether device has a pending entry.
func (t *Tracker) IsPending(device string) bool {
	_, ok := t.entries[device]
	return ok
}

// FindByName returns the pending entry holding name, if any.
func (t *Tracker) FindByName(name string) (Entry, bool) {
	for _, p := range t.entries {
		if p.Name == name {
			return p.Entry, true
		}
	}
	return Entry{}, false
}

// Entries returns all pending entries ordered by expiry.
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p.Entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].Device < out[j].Device
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	return len(t.entries)
}

// Stop cancels every pending timer without running callbacks.
func (t *Tracker) Stop() {
	for device := range t.entries {
		t.remove(device)
	}
}
