package relay

import (
	"fmt"
	"log"
	"time"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/protocol"
)

// Logout ends a session on the client's request. The identity is released
// and its departure announced immediately.
func (r *Relay) Logout(connID string) error {
	r.lock()
	defer r.unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownSession
	}
	r.logout(s)
	return nil
}

func (r *Relay) logout(s *Session) {
	r.removeLive(s)

	if s.Authenticated {
		if s.Device != "" {
			// A live session never has a grace entry, but a stray one must
			// not expire later and announce a second departure.
			r.grace.Cancel(s.Device)
		}
		log.Printf("relay: logout conn=%s name=%s", s.ConnID, s.Name)
		r.finishDeparture(s.Name)
	}

	r.send(s.ConnID, protocol.TypeLoggedOut, protocol.LoggedOutMsg{})
	r.disconnect(s.ConnID)
}

// Disconnect handles an ordinary connection close (network drop, read
// error, heartbeat timeout). Sessions with a device enter the grace period;
// sessions without one are released at once. Connections already torn down
// by logout, kick or preemption are ignored.
func (r *Relay) Disconnect(connID string) {
	r.lock()
	defer r.unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return
	}
	r.removeLive(s)

	if !s.Authenticated {
		return
	}
	if s.Device == "" {
		log.Printf("relay: disconnect conn=%s name=%s without device, releasing", connID, s.Name)
		r.finishDeparture(s.Name)
		return
	}

	log.Printf("relay: disconnect conn=%s device=%s name=%s, grace %s", connID, s.Device, s.Name, r.grace.Period())
	r.park(s)
}

// park starts the grace period for s. If the device already had an entry
// for a different name, that older identity is finished now.
func (r *Relay) park(s *Session) {
	replaced, had := r.grace.Schedule(s.Device, s.Name, r.expire)
	if had && replaced.Name != s.Name {
		r.finishDeparture(replaced.Name)
	}
}

// expire is the grace tracker's callback. It runs as its own step.
func (r *Relay) expire(name string) {
	log.Printf("relay: grace expired name=%s", name)
	r.finishDeparture(name)
}

// finishDeparture releases name, drops its rate state and announces that it
// left. A name that a live session holds again is left alone.
func (r *Relay) finishDeparture(name string) {
	if name == "" {
		return
	}
	if r.liveByName(name) != nil {
		log.Printf("relay: departure of %s skipped, name is held by a live session", name)
		return
	}
	r.registry.Release(name)
	r.limiter.Clear(name)
	r.announce(chat.EventLeave, name+" left")
	r.emit(chat.Event{Type: chat.EventLeave, Name: name})
}

// KickResult describes what a kick did.
type KickResult struct {
	Name   string `json:"name"`
	Device string `json:"device,omitempty"`
	Online bool   `json:"online"` // a live session was closed
	Banned bool   `json:"banned"`
}

// Kick removes name from the room immediately. A positive duration also
// bans the identity's device. The target may be live, waiting in its grace
// period, or (for bans) offline with a remembered device.
func (r *Relay) Kick(name string, duration time.Duration) (KickResult, error) {
	r.lock()
	defer r.unlock()

	var (
		device  string
		online  bool
		present bool // name is claimed by the target
	)

	if s := r.liveByName(name); s != nil {
		r.removeLive(s)
		reason := "kicked"
		if duration > 0 {
			reason = fmt.Sprintf("banned for %d seconds", int(duration/time.Second))
		}
		r.send(s.ConnID, protocol.TypeForceClosed, protocol.ForceClosedMsg{Reason: reason})
		r.disconnect(s.ConnID)
		device = s.Device
		online = true
		present = true
	} else if e, ok := r.grace.FindByName(name); ok {
		device = e.Device
		present = true
	} else if dev, ok := r.registry.DeviceForName(name); ok {
		device = dev
	}

	if !present && (duration <= 0 || device == "") {
		return KickResult{}, fmt.Errorf("kick %q: %w", name, ErrTargetNotFound)
	}

	if device != "" {
		r.grace.Cancel(device)
		r.registry.UnbindDevice(device)
	}
	if present {
		r.registry.Release(name)
		r.limiter.Clear(name)
	}

	banned := false
	if duration > 0 && device != "" {
		_, banned = r.bans.Ban(device, name, duration, r.clock.Now())
	}

	log.Printf("relay: kick name=%s device=%s online=%v banned=%v duration=%s", name, device, online, banned, duration)

	seconds := int(duration / time.Second)
	if banned {
		r.announce(chat.EventBan, fmt.Sprintf("%s was banned for %d seconds", name, seconds))
		r.emit(chat.Event{Type: chat.EventBan, Name: name, Device: device, Duration: seconds})
	} else {
		r.announce(chat.EventKick, name+" was kicked")
		r.emit(chat.Event{Type: chat.EventKick, Name: name, Device: device})
	}

	return KickResult{Name: name, Device: device, Online: online, Banned: banned}, nil
}
