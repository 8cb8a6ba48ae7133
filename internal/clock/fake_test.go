package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(1000, 0))

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "early") })

	c.Advance(2 * time.Second)
	if len(order) != 1 || order[0] != "early" {
		t.Fatalf("expected only early timer to fire, got %v", order)
	}

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[1] != "late" {
		t.Fatalf("expected late timer second, got %v", order)
	}
	if got := c.Now(); !got.Equal(time.Unix(1004, 0)) {
		t.Errorf("expected clock at 1004, got %v", got.Unix())
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	if timer.Stop() {
		t.Error("expected second Stop to return false")
	}

	c.Advance(5 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
}

func TestFakeCallbackSeesDeadlineTime(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewFake(start)

	var seen time.Time
	c.AfterFunc(2*time.Second, func() { seen = c.Now() })

	c.Advance(5 * time.Second)
	if !seen.Equal(start.Add(2 * time.Second)) {
		t.Errorf("callback saw %v, want %v", seen, start.Add(2*time.Second))
	}
	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("clock at %v, want %v", c.Now(), start.Add(5*time.Second))
	}
}

func TestRealAfterFuncFiresAndStops(t *testing.T) {
	c := Real()

	fired := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not fire")
	}

	stopped := c.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("expected Stop to report an active timer")
	}
}
