// Package ratelimit provides an in-memory sliding-window limiter with a
// temporary mute. Each identity gets its own window; exceeding the window's
// limit mutes the identity for a fixed period, during which everything it
// sends is rejected.
//
// State is keyed by display name, so a renamed identity starts with a fresh
// window.
package ratelimit

import "time"

// Rule defines a rate limiting policy: the maximum number of messages allowed
// in the window, the window duration, and how long an identity stays muted
// after exceeding the limit.
type Rule struct {
	Limit  int           // max count in the window
	Window time.Duration // time window
	Mute   time.Duration // mute applied once Limit is exceeded
}

// DefaultRule allows 5 messages per 5 seconds and mutes for 10 seconds.
var DefaultRule = Rule{Limit: 5, Window: 5 * time.Second, Mute: 10 * time.Second}

type state struct {
	count       int
	windowStart time.Time
	mutedUntil  time.Time
}

// Limiter tracks per-identity rate state. It is not safe for concurrent use;
// the relay serializes access.
type Limiter struct {
	rule   Rule
	states map[string]*state
}

// NewLimiter creates a Limiter enforcing rule. Zero fields fall back to
// DefaultRule.
func NewLimiter(rule Rule) *Limiter {
	if rule.Limit <= 0 {
		rule.Limit = DefaultRule.Limit
	}
	if rule.Window <= 0 {
		rule.Window = DefaultRule.Window
	}
	if rule.Mute <= 0 {
		rule.Mute = DefaultRule.Mute
	}
	return &Limiter{rule: rule, states: make(map[string]*state)}
}

// Rule returns the policy in effect.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Allow records a message from name at now and reports whether it may pass.
// When the message is rejected the second value is how long the mute still
// has to run.
func (l *Limiter) Allow(name string, now time.Time) (bool, time.Duration) {
	st, ok := l.states[name]
	if !ok {
		l.states[name] = &state{count: 1, windowStart: now}
		return true, 0
	}

	if !st.mutedUntil.IsZero() {
		if now.Before(st.mutedUntil) {
			return false, st.mutedUntil.Sub(now)
		}
		// Mute served: start over with a fresh window.
		st.mutedUntil = time.Time{}
		st.count = 1
		st.windowStart = now
		return true, 0
	}

	if now.Sub(st.windowStart) > l.rule.Window {
		st.count = 1
		st.windowStart = now
		return true, 0
	}

	st.count++
	if st.count > l.rule.Limit {
		st.mutedUntil = now.Add(l.rule.Mute)
		return false, l.rule.Mute
	}
	return true, 0
}

// MutedUntil returns the end of name's mute, or the zero time if it is not
// muted at now.
func (l *Limiter) MutedUntil(name string, now time.Time) time.Time {
	st, ok := l.states[name]
	if !ok || !now.Before(st.mutedUntil) {
		return time.Time{}
	}
	return st.mutedUntil
}

// Clear drops all state for name. Called when the identity is released.
func (l *Limiter) Clear(name string) {
	delete(l.states, name)
}

// Len returns the number of identities with rate state.
func (l *Limiter) Len() int {
	return len(l.states)
}
