package relay

import (
	"fmt"
	"log"
	"strings"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/identity"
	"github.com/huddle/relay/internal/metrics"
	"github.com/huddle/relay/internal/protocol"
)

// ClaimRequest is an inbound identity claim.
type ClaimRequest struct {
	Name      string // requested display name, sanitized before use
	Device    string // opaque token stable across reconnects, may be empty
	Reconnect bool   // client believes it held an identity before
	Mode      string // presentation mode, "rich" or "plain"
}

// ClaimResult describes how a claim was resolved.
type ClaimResult struct {
	Name        string
	Announced   bool // an arrival line was broadcast
	Reconnected bool // a previous identity was restored
	Banned      bool
	Remaining   int // ban seconds left when Banned
}

// Claim binds an identity to the connection. Resolution order: ban check,
// preemption of another open session on the same device, quick reconnect
// within the grace period, stale reconnect to the device's remembered name,
// and finally fresh allocation.
func (r *Relay) Claim(connID string, req ClaimRequest) (ClaimResult, error) {
	r.lock()
	defer r.unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ClaimResult{}, ErrUnknownSession
	}
	if s.Authenticated {
		r.sendError(connID, protocol.CodeAlreadyClaimed, "identity already claimed, use change_identity")
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return ClaimResult{}, ErrAlreadyAuthenticated
	}

	device := strings.TrimSpace(req.Device)
	if len(device) > MaxDeviceLength {
		r.send(connID, protocol.TypeIdentityRejected, protocol.IdentityRejectedMsg{
			Reason: fmt.Sprintf("device token exceeds %d bytes", MaxDeviceLength),
		})
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return ClaimResult{}, ErrInvalidDevice
	}

	now := r.clock.Now()
	var (
		name        string
		announce    bool
		reconnected bool
		outcome     string
	)

	if device != "" {
		// 1. Ban check short-circuits everything.
		if banned, remaining, _ := r.bans.IsBanned(device, now); banned {
			log.Printf("relay: claim rejected conn=%s device=%s banned remaining=%ds", connID, device, remaining)
			r.send(connID, protocol.TypeBanned, protocol.BannedMsg{Remaining: remaining})
			r.removeLive(s)
			r.disconnect(connID)
			metrics.ClaimsTotal.WithLabelValues("banned").Inc()
			return ClaimResult{Banned: true, Remaining: remaining}, ErrBanned
		}

		// 2. One open session per device.
		if old, ok := r.byDevice[device]; ok && old != s {
			r.preempt(old)
		}

		// 3. Quick reconnect.
		if pendingName, ok := r.grace.Cancel(device); ok {
			if prev, bound := r.registry.LookupDevice(device); bound && prev == pendingName {
				name = pendingName
				reconnected = true
				outcome = "quick_reconnect"
			} else {
				log.Printf("relay: grace entry device=%s name=%s does not match device binding, releasing", device, pendingName)
				r.finishDeparture(pendingName)
			}
		}

		// 4. Stale reconnect.
		if name == "" && req.Reconnect {
			if prev, bound := r.registry.LookupDevice(device); bound && r.registry.Claim(prev) {
				name = prev
				announce = true
				reconnected = true
				outcome = "stale_reconnect"
			}
		}
	}

	// 5. Fresh allocation.
	if name == "" {
		name = r.registry.Allocate(req.Name)
		announce = true
		outcome = "fresh"
	}

	if device != "" {
		r.registry.BindDevice(device, name)
		r.byDevice[device] = s
	}
	s.Name = name
	s.Device = device
	s.Mode = normalizeMode(req.Mode)
	s.Authenticated = true
	s.LastSeen = now
	r.authenticated++
	metrics.ClaimsTotal.WithLabelValues(outcome).Inc()

	log.Printf("relay: claim conn=%s device=%s name=%s outcome=%s", connID, device, name, outcome)

	r.send(connID, protocol.TypeIdentityConfirmed, protocol.IdentityConfirmedMsg{
		Name:        name,
		Reconnected: reconnected,
	})
	r.replayHistory(s)

	if announce {
		r.announce(chat.EventJoin, name+" joined")
		r.emit(chat.Event{Type: chat.EventJoin, Name: name, Device: device})
	}

	return ClaimResult{Name: name, Announced: announce, Reconnected: reconnected}, nil
}

// preempt force-closes old because another connection claimed its device.
// The identity is parked in the grace tracker so the new claim picks it up
// as a quick reconnect without any visible churn.
func (r *Relay) preempt(old *Session) {
	log.Printf("relay: preempting conn=%s device=%s name=%s", old.ConnID, old.Device, old.Name)
	r.removeLive(old)
	r.send(old.ConnID, protocol.TypeForceClosed, protocol.ForceClosedMsg{Reason: "replaced by a newer connection"})
	r.disconnect(old.ConnID)
	r.park(old)
}

// ChangeIdentity renames an authenticated session. The old name is released
// and its rate state dropped.
func (r *Relay) ChangeIdentity(connID, requested string) (string, error) {
	r.lock()
	defer r.unlock()

	s, err := r.getAuthenticated(connID)
	if err != nil {
		return "", err
	}
	return r.rename(s, requested)
}

func (r *Relay) rename(s *Session, requested string) (string, error) {
	if identity.Sanitize(requested) == s.Name {
		r.send(s.ConnID, protocol.TypeIdentityRejected, protocol.IdentityRejectedMsg{Reason: "that is already your name"})
		return s.Name, ErrNameUnchanged
	}

	// Released before allocating: a taken base resolves back to the
	// session's own suffixed name.
	oldName := s.Name
	r.registry.Release(oldName)
	newName := r.registry.Allocate(requested)
	if newName == oldName {
		r.send(s.ConnID, protocol.TypeIdentityRejected, protocol.IdentityRejectedMsg{Reason: identity.Sanitize(requested) + " is taken"})
		return s.Name, ErrNameUnchanged
	}
	r.limiter.Clear(oldName)
	s.Name = newName
	if s.Device != "" {
		r.registry.BindDevice(s.Device, newName)
	}

	log.Printf("relay: rename conn=%s %s -> %s", s.ConnID, oldName, newName)

	r.send(s.ConnID, protocol.TypeIdentityChanged, protocol.IdentityChangedMsg{OldName: oldName, NewName: newName})
	r.announce(chat.EventRename, oldName+" is now known as "+newName)
	r.emit(chat.Event{Type: chat.EventRename, Name: newName, OldName: oldName, Device: s.Device})
	return newName, nil
}
