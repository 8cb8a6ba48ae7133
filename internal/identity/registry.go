// Package identity owns display-name allocation for the relay: the set of
// currently claimed names and the weak device -> last name association used
// to recognise reconnecting clients.
//
// A Registry is not safe for concurrent use. The relay serializes every call.
package identity

import (
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxNameLength is the longest display name the registry hands out,
	// including any numeric suffix.
	MaxNameLength = 20

	// BaseName replaces requests that sanitize to nothing or to a reserved name.
	BaseName = "anon"
)

// reserved names are compared case-insensitively.
var reserved = map[string]bool{
	"system": true,
	"server": true,
	"admin":  true,
}

// Sanitize strips a requested name down to ASCII letters, digits and
// underscores, clamps it to MaxNameLength and falls back to BaseName when
// nothing usable remains.
func Sanitize(requested string) string {
	var b strings.Builder
	for i := 0; i < len(requested) && b.Len() < MaxNameLength; i++ {
		ch := requested[i]
		if isNameByte(ch) {
			b.WriteByte(ch)
		}
	}

	name := b.String()
	if name == "" || reserved[strings.ToLower(name)] {
		return BaseName
	}
	return name
}

func isNameByte(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

// withSuffix appends n to base, trimming base so the result still fits.
func withSuffix(base string, n int) string {
	suffix := strconv.Itoa(n)
	if len(base)+len(suffix) > MaxNameLength {
		base = base[:MaxNameLength-len(suffix)]
	}
	return base + suffix
}

// Registry tracks claimed display names and device bindings.
type Registry struct {
	claimed map[string]struct{}
	devices map[string]string // device -> last bound name
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		claimed: make(map[string]struct{}),
		devices: make(map[string]string),
	}
}

// IsAvailable reports whether name is not currently claimed.
func (r *Registry) IsAvailable(name string) bool {
	_, taken := r.claimed[name]
	return !taken
}

// Claim claims name verbatim if it is available. It returns false and
// changes nothing when the name is already taken.
func (r *Registry) Claim(name string) bool {
	if name == "" || !r.IsAvailable(name) {
		return false
	}
	r.claimed[name] = struct{}{}
	return true
}

// Allocate sanitizes requested and claims it, or the first variant with the
// smallest positive integer suffix that is free. The loop always terminates:
// the claimed set is finite and suffixes are not.
func (r *Registry) Allocate(requested string) string {
	base := Sanitize(requested)
	if r.Claim(base) {
		return base
	}
	for n := 1; ; n++ {
		candidate := withSuffix(base, n)
		if r.Claim(candidate) {
			return candidate
		}
	}
}

// Release frees name. Releasing an unclaimed name is a no-op.
func (r *Registry) Release(name string) {
	delete(r.claimed, name)
}

// BindDevice records name as the current name of device.
func (r *Registry) BindDevice(device, name string) {
	if device == "" {
		return
	}
	r.devices[device] = name
}

// LookupDevice returns the name last bound to device. The name may no longer
// be claimed; callers must treat it as a hint.
func (r *Registry) LookupDevice(device string) (string, bool) {
	name, ok := r.devices[device]
	return name, ok
}

// UnbindDevice forgets the device association.
func (r *Registry) UnbindDevice(device string) {
	delete(r.devices, device)
}

// DeviceForName is a reverse lookup over the device table. Several stale
// devices may remember the same name; the lexically smallest one wins so the
// answer is deterministic.
func (r *Registry) DeviceForName(name string) (string, bool) {
	found := ""
	for device, bound := range r.devices {
		if bound != name {
			continue
		}
		if found == "" || device < found {
			found = device
		}
	}
	return found, found != ""
}

// Claimed returns the claimed names in sorted order.
func (r *Registry) Claimed() []string {
	names := make([]string, 0, len(r.claimed))
	for name := range r.claimed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of claimed names.
func (r *Registry) Len() int {
	return len(r.claimed)
}

// Devices returns the number of remembered device bindings.
func (r *Registry) Devices() int {
	return len(r.devices)
}
