package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huddle/relay/internal/clock"
	"github.com/huddle/relay/internal/ratelimit"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records every frame and disconnect per connection.
type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
	closed map[string]int
	fail   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(map[string][]map[string]interface{}),
		closed: make(map[string]int),
		fail:   make(map[string]bool),
	}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[connID] {
		return errors.New("send queue full")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames[connID] = append(f.frames[connID], m)
	return nil
}

func (f *fakeTransport) Disconnect(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID]++
	return nil
}

func (f *fakeTransport) setFail(connID string, fail bool) {
	f.mu.Lock()
	f.fail[connID] = fail
	f.mu.Unlock()
}

func (f *fakeTransport) reset(connID string) {
	f.mu.Lock()
	delete(f.frames, connID)
	f.mu.Unlock()
}

func (f *fakeTransport) closedCount(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[connID]
}

// ofType returns the frames of msgType sent to connID, in order.
func (f *fakeTransport) ofType(connID, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.frames[connID] {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) last(connID, msgType string) map[string]interface{} {
	frames := f.ofType(connID, msgType)
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// systemLines returns the text of every system chat line sent to connID.
func (f *fakeTransport) systemLines(connID string) []string {
	var out []string
	for _, m := range f.ofType(connID, "message") {
		if sys, _ := m["system"].(bool); sys {
			out = append(out, m["text"].(string))
		}
	}
	return out
}

// chatTexts returns the text of every non-system chat line sent to connID.
func (f *fakeTransport) chatTexts(connID string) []string {
	var out []string
	for _, m := range f.ofType(connID, "message") {
		if sys, _ := m["system"].(bool); !sys {
			out = append(out, m["from"].(string)+": "+m["text"].(string))
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		GracePeriod: 10 * time.Second,
		HistorySize: 10,
		RateLimit:   ratelimit.Rule{Limit: 5, Window: 5 * time.Second, Mute: 10 * time.Second},
	}
}

func newTestRelay(t *testing.T) (*Relay, *fakeTransport, *clock.Fake) {
	t.Helper()
	tr := newFakeTransport()
	clk := clock.NewFake(t0)
	r := New(testConfig(), tr, clk)
	t.Cleanup(r.Close)
	return r, tr, clk
}

// join connects connID and claims an identity, failing the test on error.
func join(t *testing.T, r *Relay, connID, name, device string) ClaimResult {
	t.Helper()
	r.Connect(connID)
	res, err := r.Claim(connID, ClaimRequest{Name: name, Device: device})
	if err != nil {
		t.Fatalf("Claim(%s, %q, %q) failed: %v", connID, name, device, err)
	}
	return res
}

func assertLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected lines %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q (all: %q)", i, want[i], got[i], got)
		}
	}
}
