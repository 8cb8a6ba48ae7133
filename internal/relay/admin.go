package relay

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/protocol"
)

// UnbanResult describes a lifted ban.
type UnbanResult struct {
	Name   string `json:"name"`
	Device string `json:"device"`
}

// Unban lifts the ban on target, which may be a device token or a display
// name.
func (r *Relay) Unban(target string) (UnbanResult, error) {
	r.lock()
	defer r.unlock()

	now := r.clock.Now()
	device := ""
	switch {
	case r.bans.Has(target, now):
		device = target
	default:
		if dev, ok := r.bans.DeviceForName(target, now); ok {
			device = dev
		} else if dev, ok := r.resolveDeviceByName(target); ok && r.bans.Has(dev, now) {
			device = dev
		}
	}
	if device == "" {
		return UnbanResult{}, fmt.Errorf("unban %q: %w", target, ErrTargetNotFound)
	}

	name, _ := r.bans.Unban(device)
	log.Printf("relay: unban device=%s name=%s", device, name)

	r.announce(chat.EventUnban, name+" was unbanned")
	r.emit(chat.Event{Type: chat.EventUnban, Name: name, Device: device})
	return UnbanResult{Name: name, Device: device}, nil
}

// ResolveDeviceByName finds a device for name, looking at live sessions,
// grace entries, the registry's device table and the ban table, in that
// order.
func (r *Relay) ResolveDeviceByName(name string) (string, bool) {
	r.lock()
	defer r.unlock()
	return r.resolveDeviceByName(name)
}

func (r *Relay) resolveDeviceByName(name string) (string, bool) {
	if s := r.liveByName(name); s != nil && s.Device != "" {
		return s.Device, true
	}
	if e, ok := r.grace.FindByName(name); ok {
		return e.Device, true
	}
	if dev, ok := r.registry.DeviceForName(name); ok {
		return dev, true
	}
	return r.bans.DeviceForName(name, r.clock.Now())
}

// AdminBroadcast sends an operator notice to the room.
func (r *Relay) AdminBroadcast(text string) error {
	text = strings.TrimSpace(text)
	if err := chat.ValidateMessage(text); err != nil {
		return err
	}

	r.lock()
	defer r.unlock()

	r.announce(chat.EventNotice, "[admin] "+text)
	r.emit(chat.Event{Type: chat.EventNotice, Text: text})
	return nil
}

// ClearHistory drops the replay buffer.
func (r *Relay) ClearHistory() {
	r.lock()
	defer r.unlock()

	r.history.Clear()
	log.Printf("relay: history cleared")
	r.emit(chat.Event{Type: chat.EventClear})
}

// Heartbeat records client liveness and answers with a pong.
func (r *Relay) Heartbeat(connID string) error {
	r.lock()
	defer r.unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownSession
	}
	s.LastSeen = r.clock.Now()
	r.send(connID, protocol.TypePong, protocol.PongMsg{})
	return nil
}

// PendingInfo is a grace entry in a snapshot.
type PendingInfo struct {
	Device           string `json:"device"`
	Name             string `json:"name"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// BanInfo is a ban record in a snapshot.
type BanInfo struct {
	Device           string `json:"device"`
	Name             string `json:"name"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// Counts summarizes a snapshot.
type Counts struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Pending       int `json:"pending"`
	Bans          int `json:"bans"`
	Claimed       int `json:"claimed"`
	History       int `json:"history"`
}

// Snapshot is a read-only view of the relay for admin tooling.
type Snapshot struct {
	TakenAt  time.Time     `json:"taken_at"`
	Sessions []SessionInfo `json:"sessions"`
	Pending  []PendingInfo `json:"pending"`
	Bans     []BanInfo     `json:"bans"`
	History  []chat.Entry  `json:"history"`
	Counts   Counts        `json:"counts"`
}

// Snapshot captures the current state. Expired bans are evicted on the way.
func (r *Relay) Snapshot() Snapshot {
	r.lock()
	defer r.unlock()

	now := r.clock.Now()
	snap := Snapshot{
		TakenAt:  now,
		Sessions: make([]SessionInfo, 0, len(r.sessions)),
		History:  r.history.Entries(),
	}

	for _, s := range r.sessions {
		snap.Sessions = append(snap.Sessions, s.info())
	}
	sortSessions(snap.Sessions)

	for _, e := range r.grace.Entries() {
		snap.Pending = append(snap.Pending, PendingInfo{
			Device:           e.Device,
			Name:             e.Name,
			RemainingSeconds: int(math.Ceil(e.Remaining(now).Seconds())),
		})
	}
	for _, b := range r.bans.Active(now) {
		snap.Bans = append(snap.Bans, BanInfo{
			Device:           b.Device,
			Name:             b.Name,
			RemainingSeconds: b.RemainingSeconds(now),
		})
	}

	snap.Counts = Counts{
		Connections:   len(r.sessions),
		Authenticated: r.authenticated,
		Pending:       len(snap.Pending),
		Bans:          len(snap.Bans),
		Claimed:       r.registry.Len(),
		History:       len(snap.History),
	}
	return snap
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return s[i].ConnID < s[j].ConnID
	})
}
