package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fresh allocation
// ---------------------------------------------------------------------------

func TestClaimFreshAnnouncesArrival(t *testing.T) {
	r, tr, _ := newTestRelay(t)

	join(t, r, "c-obs", "observer", "dev-obs")
	res := join(t, r, "c-alice", "alice", "dev-alice")

	if res.Name != "alice" || !res.Announced || res.Reconnected {
		t.Fatalf("unexpected result: %+v", res)
	}
	confirmed := tr.last("c-alice", "identity_confirmed")
	if confirmed == nil || confirmed["name"] != "alice" {
		t.Fatalf("expected identity_confirmed for alice, got %v", confirmed)
	}
	if tr.last("c-alice", "history") == nil {
		t.Error("expected history replay after authentication")
	}
	assertLines(t, tr.systemLines("c-obs"), "observer joined", "alice joined")
}

func TestClaimSuffixDeterminism(t *testing.T) {
	r, _, _ := newTestRelay(t)

	if got := join(t, r, "c1", "alice", "d1").Name; got != "alice" {
		t.Fatalf("first claim: expected alice, got %q", got)
	}
	if got := join(t, r, "c2", "alice", "d2").Name; got != "alice1" {
		t.Fatalf("second claim: expected alice1, got %q", got)
	}
	if got := join(t, r, "c3", "alice", "d3").Name; got != "alice2" {
		t.Fatalf("third claim: expected alice2, got %q", got)
	}

	// Freeing alice1 makes it the first available suffix again.
	if err := r.Logout("c2"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if got := join(t, r, "c4", "alice", "d4").Name; got != "alice1" {
		t.Fatalf("after release: expected alice1, got %q", got)
	}
}

func TestClaimUniqueness(t *testing.T) {
	r, _, _ := newTestRelay(t)

	for i := 0; i < 30; i++ {
		device := ""
		if i%3 != 0 {
			device = fmt.Sprintf("dev-%d", i)
		}
		name := []string{"bob", "Bob", "b o b", ""}[i%4]
		join(t, r, fmt.Sprintf("c%d", i), name, device)
	}

	seen := make(map[string]bool)
	for _, name := range r.Users() {
		if seen[name] {
			t.Fatalf("name %q held by two sessions: %v", name, r.Users())
		}
		seen[name] = true
	}
	if len(seen) != 30 {
		t.Fatalf("expected 30 distinct names, got %d", len(seen))
	}
}

func TestClaimSanitizesName(t *testing.T) {
	r, _, _ := newTestRelay(t)

	if got := join(t, r, "c1", "  al!ce  ", "d1").Name; got != "alce" {
		t.Errorf("expected sanitized alce, got %q", got)
	}
	if got := join(t, r, "c2", "admin", "d2").Name; got != "anon" {
		t.Errorf("reserved name: expected anon, got %q", got)
	}
	if got := join(t, r, "c3", strings.Repeat("x", 40), "d3").Name; len(got) != 20 {
		t.Errorf("expected name clamped to 20 chars, got %q", got)
	}
}

func TestClaimTwiceRejected(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	join(t, r, "c1", "alice", "d1")

	_, err := r.Claim("c1", ClaimRequest{Name: "bob", Device: "d1"})
	if !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if e := tr.last("c1", "error"); e == nil || e["code"] != "already_claimed" {
		t.Errorf("expected already_claimed error frame, got %v", e)
	}
}

func TestClaimUnknownSession(t *testing.T) {
	r, _, _ := newTestRelay(t)
	if _, err := r.Claim("nope", ClaimRequest{Name: "x"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestClaimRejectsOversizedDevice(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	r.Connect("c1")

	_, err := r.Claim("c1", ClaimRequest{Name: "x", Device: strings.Repeat("d", MaxDeviceLength+1)})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if tr.last("c1", "identity_rejected") == nil {
		t.Error("expected identity_rejected frame")
	}
	if s, _ := r.Session("c1"); s.Authenticated {
		t.Error("session should stay unauthenticated")
	}
}

// ---------------------------------------------------------------------------
// Quick reconnect
// ---------------------------------------------------------------------------

func TestQuickReconnectIsSilent(t *testing.T) {
	r, tr, clk := newTestRelay(t)

	join(t, r, "c-obs", "observer", "dev-obs")
	join(t, r, "c-bob", "bob", "dev-bob")
	tr.reset("c-obs")

	r.Disconnect("c-bob")
	clk.Advance(5 * time.Second)

	r.Connect("c-bob2")
	res, err := r.Claim("c-bob2", ClaimRequest{Name: "somethingelse", Device: "dev-bob"})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if res.Name != "bob" || res.Announced || !res.Reconnected {
		t.Fatalf("expected silent reconnect as bob, got %+v", res)
	}

	// The canceled timer must never fire.
	clk.Advance(time.Minute)

	if lines := tr.systemLines("c-obs"); len(lines) != 0 {
		t.Fatalf("observer should see no churn, got %q", lines)
	}
	if confirmed := tr.last("c-bob2", "identity_confirmed"); confirmed["reconnected"] != true {
		t.Errorf("expected reconnected=true, got %v", confirmed)
	}
}

func TestRapidDisconnectsCollapse(t *testing.T) {
	r, tr, clk := newTestRelay(t)

	join(t, r, "c-obs", "observer", "dev-obs")
	join(t, r, "c1", "bob", "dev-bob")
	tr.reset("c-obs")

	r.Disconnect("c1")
	clk.Advance(3 * time.Second)
	join(t, r, "c2", "bob", "dev-bob")
	r.Disconnect("c2")
	clk.Advance(3 * time.Second)
	join(t, r, "c3", "bob", "dev-bob")
	r.Disconnect("c3")

	clk.Advance(9 * time.Second)
	if lines := tr.systemLines("c-obs"); len(lines) != 0 {
		t.Fatalf("no departure expected yet, got %q", lines)
	}
	clk.Advance(2 * time.Second)
	assertLines(t, tr.systemLines("c-obs"), "bob left")
}

// ---------------------------------------------------------------------------
// Stale reconnect
// ---------------------------------------------------------------------------

func TestStaleReconnectRestoresNameAndAnnounces(t *testing.T) {
	r, tr, clk := newTestRelay(t)

	join(t, r, "c-obs", "observer", "dev-obs")
	join(t, r, "c1", "alice", "dev-a")
	r.Disconnect("c1")
	clk.Advance(11 * time.Second)
	tr.reset("c-obs")

	r.Connect("c2")
	res, err := r.Claim("c2", ClaimRequest{Name: "guest", Device: "dev-a", Reconnect: true})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if res.Name != "alice" || !res.Announced || !res.Reconnected {
		t.Fatalf("expected announced reconnect as alice, got %+v", res)
	}
	assertLines(t, tr.systemLines("c-obs"), "alice joined")
}

func TestStaleReconnectWithoutHintAllocatesFresh(t *testing.T) {
	r, _, clk := newTestRelay(t)

	join(t, r, "c1", "alice", "dev-a")
	r.Disconnect("c1")
	clk.Advance(11 * time.Second)

	if got := join(t, r, "c2", "guest", "dev-a").Name; got != "guest" {
		t.Fatalf("expected fresh allocation guest, got %q", got)
	}
}

func TestStaleReconnectNameTakenFallsBack(t *testing.T) {
	r, _, clk := newTestRelay(t)

	join(t, r, "c1", "alice", "dev-a")
	r.Disconnect("c1")
	clk.Advance(11 * time.Second)
	join(t, r, "c-other", "alice", "dev-other")

	r.Connect("c2")
	res, err := r.Claim("c2", ClaimRequest{Name: "alice", Device: "dev-a", Reconnect: true})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if res.Name != "alice1" || res.Reconnected {
		t.Fatalf("expected fresh alice1, got %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Preemption
// ---------------------------------------------------------------------------

func TestPreemptionClosesOlderConnection(t *testing.T) {
	r, tr, clk := newTestRelay(t)

	join(t, r, "c-obs", "observer", "dev-obs")
	join(t, r, "c1", "alice", "dev-a")
	tr.reset("c-obs")

	r.Connect("c2")
	res, err := r.Claim("c2", ClaimRequest{Name: "ignored", Device: "dev-a"})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if res.Name != "alice" || res.Announced {
		t.Fatalf("expected silent takeover as alice, got %+v", res)
	}

	if tr.last("c1", "force_closed") == nil {
		t.Error("expected force_closed on the first connection")
	}
	if tr.closedCount("c1") != 1 {
		t.Errorf("expected first connection closed once, got %d", tr.closedCount("c1"))
	}
	if _, ok := r.Session("c1"); ok {
		t.Error("first session should be gone")
	}
	if s, ok := r.Session("c2"); !ok || !s.Authenticated {
		t.Error("second session should be authenticated")
	}

	// The transport reports the close later; it must not start a grace period.
	r.Disconnect("c1")
	clk.Advance(time.Minute)

	if users := r.Users(); len(users) != 2 {
		t.Fatalf("expected observer and alice, got %v", users)
	}
	if lines := tr.systemLines("c-obs"); len(lines) != 0 {
		t.Fatalf("expected no announcements, got %q", lines)
	}

	// The preempted connection no longer receives room traffic.
	tr.reset("c1")
	if err := r.Chat("c2", "hello"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := tr.ofType("c1", "message"); len(got) != 0 {
		t.Errorf("preempted connection received %v", got)
	}
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

func TestBanBlocksClaimUntilExpiry(t *testing.T) {
	r, tr, clk := newTestRelay(t)

	join(t, r, "c1", "mallory", "dev-m")
	if _, err := r.Kick("mallory", 5*time.Second); err != nil {
		t.Fatalf("Kick failed: %v", err)
	}

	clk.Advance(2 * time.Second)
	r.Connect("c2")
	res, err := r.Claim("c2", ClaimRequest{Name: "mallory", Device: "dev-m"})
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	if !res.Banned || res.Remaining <= 0 {
		t.Fatalf("expected positive remaining seconds, got %+v", res)
	}
	if b := tr.last("c2", "banned"); b == nil || b["remaining"].(float64) != 3 {
		t.Errorf("expected banned frame with remaining=3, got %v", b)
	}
	if tr.closedCount("c2") != 1 {
		t.Error("banned connection should be closed")
	}
	if _, ok := r.Session("c2"); ok {
		t.Error("banned session should be removed")
	}

	clk.Advance(3 * time.Second)
	res = join(t, r, "c3", "mallory", "dev-m")
	if res.Name != "mallory" || !res.Announced {
		t.Fatalf("expected normal claim after expiry, got %+v", res)
	}
}

func TestBanDoesNotAffectOtherDevices(t *testing.T) {
	r, _, _ := newTestRelay(t)

	join(t, r, "c1", "mallory", "dev-m")
	r.Kick("mallory", time.Minute)

	if got := join(t, r, "c2", "mallory", "dev-other").Name; got != "mallory" {
		t.Fatalf("expected other device to claim mallory, got %q", got)
	}
}
