// Package ban provides device-based ban management. Ban records live in
// memory, keyed by device token, and expire lazily: an expired record is
// evicted the next time it is looked at.
//
//	Key:   <device>
//	Value: display name at ban time
//	TTL:   ban duration
package ban

import (
	"math"
	"sort"
	"time"
)

// Entry is a single ban record.
type Entry struct {
	Device    string
	Name      string
	ExpiresAt time.Time
}

// RemainingSeconds rounds the time left up to whole seconds so a live ban
// never reports zero.
func (e Entry) RemainingSeconds(now time.Time) int {
	d := e.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Store manages ban records. It is not safe for concurrent use; the relay
// serializes access.
type Store struct {
	bans map[string]Entry
}

// NewStore creates an empty ban store.
func NewStore() *Store {
	return &Store{bans: make(map[string]Entry)}
}

// IsBanned checks if a device is currently banned.
// Returns (isBanned, remainingSeconds, name). An expired record is removed
// before answering.
func (s *Store) IsBanned(device string, now time.Time) (bool, int, string) {
	e, ok := s.lookup(device, now)
	if !ok {
		return false, 0, ""
	}
	return true, e.RemainingSeconds(now), e.Name
}

// Ban bans a device for duration, overwriting any existing ban. Non-positive
// durations are ignored.
func (s *Store) Ban(device, name string, duration time.Duration, now time.Time) (Entry, bool) {
	if device == "" || duration <= 0 {
		return Entry{}, false
	}
	e := Entry{Device: device, Name: name, ExpiresAt: now.Add(duration)}
	s.bans[device] = e
	return e, true
}

// Unban removes a ban immediately and returns the name recorded with it.
func (s *Store) Unban(device string) (string, bool) {
	e, ok := s.bans[device]
	if !ok {
		return "", false
	}
	delete(s.bans, device)
	return e.Name, true
}

// Has reports whether device has an unexpired ban.
func (s *Store) Has(device string, now time.Time) bool {
	_, ok := s.lookup(device, now)
	return ok
}

// DeviceForName finds the device of an unexpired ban recorded under name.
func (s *Store) DeviceForName(name string, now time.Time) (string, bool) {
	for _, e := range s.Active(now) {
		if e.Name == name {
			return e.Device, true
		}
	}
	return "", false
}

// Active evicts expired records and returns the remaining ones ordered by
// expiry.
func (s *Store) Active(now time.Time) []Entry {
	out := make([]Entry, 0, len(s.bans))
	for device, e := range s.bans {
		if !now.Before(e.ExpiresAt) {
			delete(s.bans, device)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].Device < out[j].Device
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Len returns the number of stored records, including ones that have expired
// but not yet been evicted.
func (s *Store) Len() int {
	return len(s.bans)
}

func (s *Store) lookup(device string, now time.Time) (Entry, bool) {
	e, ok := s.bans[device]
	if !ok {
		return Entry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(s.bans, device)
		return Entry{}, false
	}
	return e, true
}
