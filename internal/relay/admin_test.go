package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/huddle/relay/internal/chat"
)

func TestUnbanByName(t *testing.T) {
	r, tr, _ := newTestRelay(t)

	join(t, r, "c-obs", "observer", "d-obs")
	join(t, r, "c1", "mallory", "dev-m")
	r.Kick("mallory", time.Hour)
	tr.reset("c-obs")

	res, err := r.Unban("mallory")
	if err != nil {
		t.Fatalf("Unban failed: %v", err)
	}
	if res.Device != "dev-m" || res.Name != "mallory" {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertLines(t, tr.systemLines("c-obs"), "mallory was unbanned")

	if got := join(t, r, "c2", "mallory", "dev-m").Name; got != "mallory" {
		t.Fatalf("expected claim to succeed after unban, got %q", got)
	}
}

func TestUnbanByDevice(t *testing.T) {
	r, _, _ := newTestRelay(t)

	join(t, r, "c1", "mallory", "dev-m")
	r.Kick("mallory", time.Hour)

	if _, err := r.Unban("dev-m"); err != nil {
		t.Fatalf("Unban failed: %v", err)
	}
	if _, err := r.Unban("dev-m"); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("second unban: expected ErrTargetNotFound, got %v", err)
	}
}

func TestResolveDeviceByName(t *testing.T) {
	r, _, _ := newTestRelay(t)

	join(t, r, "c1", "live", "dev-live")
	join(t, r, "c2", "pending", "dev-pending")
	r.Disconnect("c2")
	join(t, r, "c3", "gone", "dev-gone")
	r.Logout("c3")
	join(t, r, "c4", "banned", "dev-banned")
	r.Kick("banned", time.Hour)

	cases := map[string]string{
		"live":    "dev-live",
		"pending": "dev-pending",
		"gone":    "dev-gone",
		"banned":  "dev-banned",
	}
	for name, want := range cases {
		got, ok := r.ResolveDeviceByName(name)
		if !ok || got != want {
			t.Errorf("ResolveDeviceByName(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
	if _, ok := r.ResolveDeviceByName("nobody"); ok {
		t.Error("expected no device for unknown name")
	}
}

func TestAdminBroadcastAndClearHistory(t *testing.T) {
	r, tr, _ := newTestRelay(t)
	join(t, r, "c1", "alice", "d1")
	tr.reset("c1")

	if err := r.AdminBroadcast("  maintenance at noon "); err != nil {
		t.Fatalf("AdminBroadcast failed: %v", err)
	}
	assertLines(t, tr.systemLines("c1"), "[admin] maintenance at noon")

	if err := r.AdminBroadcast("   "); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	r.ClearHistory()
	if got := len(r.Snapshot().History); got != 0 {
		t.Fatalf("expected empty history, got %d", got)
	}
	join(t, r, "c2", "bob", "d2")
	h := tr.last("c2", "history")
	if entries := h["entries"].([]interface{}); len(entries) != 0 {
		t.Fatalf("expected empty replay, got %v", entries)
	}
}

func TestHeartbeat(t *testing.T) {
	r, tr, clk := newTestRelay(t)
	r.Connect("c1")

	clk.Advance(3 * time.Second)
	if err := r.Heartbeat("c1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if tr.last("c1", "pong") == nil {
		t.Error("expected pong")
	}
	if s, _ := r.Session("c1"); !s.LastSeen.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("LastSeen = %v", s.LastSeen)
	}
	if err := r.Heartbeat("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r, _, clk := newTestRelay(t)

	join(t, r, "c1", "alice", "d1")
	join(t, r, "c2", "bob", "d2")
	r.Connect("c3")
	r.Disconnect("c2")
	join(t, r, "c4", "mallory", "dm")
	r.Kick("mallory", 20*time.Second)
	clk.Advance(4 * time.Second)

	snap := r.Snapshot()
	if snap.Counts.Connections != 2 || snap.Counts.Authenticated != 1 {
		t.Fatalf("unexpected counts: %+v", snap.Counts)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Name != "bob" || snap.Pending[0].RemainingSeconds != 6 {
		t.Fatalf("unexpected pending: %+v", snap.Pending)
	}
	if len(snap.Bans) != 1 || snap.Bans[0].Name != "mallory" || snap.Bans[0].RemainingSeconds != 16 {
		t.Fatalf("unexpected bans: %+v", snap.Bans)
	}
	if snap.Counts.Claimed != 2 {
		t.Fatalf("expected alice and bob claimed, got %d", snap.Counts.Claimed)
	}
	if !snap.TakenAt.Equal(t0.Add(4 * time.Second)) {
		t.Errorf("TakenAt = %v", snap.TakenAt)
	}
}

func TestOnEventReceivesLifecycle(t *testing.T) {
	r, _, clk := newTestRelay(t)

	var events []chat.Event
	r.SetOnEvent(func(e chat.Event) { events = append(events, e) })

	join(t, r, "c1", "alice", "d1")
	r.Chat("c1", "hi")
	r.Disconnect("c1")
	clk.Advance(11 * time.Second)
	join(t, r, "c2", "mallory", "dm")
	r.Kick("mallory", time.Minute)
	r.Unban("mallory")

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assertLines(t, types,
		chat.EventJoin, chat.EventMessage, chat.EventLeave,
		chat.EventJoin, chat.EventBan, chat.EventUnban)

	if events[4].Device != "dm" || events[4].Duration != 60 {
		t.Errorf("unexpected ban event: %+v", events[4])
	}
}
