// Package relay implements the connection and identity lifecycle of the chat
// room: claiming display names, the reconnection grace period, device bans,
// per-identity rate limiting and fan-out to every authenticated session.
//
// Every exported method is one atomic step. A single mutex guards all shared
// state, and grace-period expiry is dispatched back through the same mutex,
// so timers never mutate state outside a step. Outbound I/O goes through
// Transport, whose methods must not block and must not call back into the
// Relay synchronously.
package relay

import (
	"log"
	"sync"
	"time"

	"github.com/huddle/relay/internal/ban"
	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/clock"
	"github.com/huddle/relay/internal/grace"
	"github.com/huddle/relay/internal/identity"
	"github.com/huddle/relay/internal/metrics"
	"github.com/huddle/relay/internal/protocol"
	"github.com/huddle/relay/internal/ratelimit"
)

// Transport delivers frames to connections. SendMessage queues data for one
// connection; Disconnect flushes what is queued and then closes it. Both are
// fire-and-forget from the relay's point of view.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Disconnect(connID string) error
}

// Config holds the lifecycle tunables.
type Config struct {
	GracePeriod time.Duration  // how long a dropped identity stays reserved
	HistorySize int            // lines replayed after authentication
	RateLimit   ratelimit.Rule // per-identity spam gate
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod: grace.DefaultPeriod,
		HistorySize: chat.DefaultHistorySize,
		RateLimit:   ratelimit.DefaultRule,
	}
}

// Relay owns the live-session set and every identity-related table.
type Relay struct {
	mu        sync.Mutex
	config    Config
	transport Transport
	clock     clock.Clock

	sessions      map[string]*Session // connID -> session, authenticated or not
	byDevice      map[string]*Session // device -> authenticated session
	authenticated int

	registry *identity.Registry
	grace    *grace.Tracker
	bans     *ban.Store
	limiter  *ratelimit.Limiter
	history  *chat.History

	onEvent func(chat.Event)
}

// New creates a Relay. A nil clock means wall-clock time.
func New(config Config, transport Transport, clk clock.Clock) *Relay {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Relay{
		config:    config,
		transport: transport,
		clock:     clk,
		sessions:  make(map[string]*Session),
		byDevice:  make(map[string]*Session),
		registry:  identity.NewRegistry(),
		bans:      ban.NewStore(),
		limiter:   ratelimit.NewLimiter(config.RateLimit),
		history:   chat.NewHistory(config.HistorySize),
	}
	r.grace = grace.NewTracker(config.GracePeriod, clk, r.dispatch)
	return r
}

// SetOnEvent registers a callback for every visible room event (joins,
// departures, chat lines, moderation). It runs inside the relay's critical
// section and must not block or call back into the Relay.
func (r *Relay) SetOnEvent(fn func(chat.Event)) {
	r.lock()
	defer r.unlock()
	r.onEvent = fn
}

// Connect registers a new, unauthenticated connection.
func (r *Relay) Connect(connID string) {
	r.lock()
	defer r.unlock()

	if _, ok := r.sessions[connID]; ok {
		return
	}
	now := r.clock.Now()
	r.sessions[connID] = &Session{
		ConnID:      connID,
		Mode:        protocol.ModeRich,
		ConnectedAt: now,
		LastSeen:    now,
	}
}

// Session returns a copy of the live session for connID.
func (r *Relay) Session(connID string) (Session, bool) {
	r.lock()
	defer r.unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Users returns the names of authenticated sessions, sorted.
func (r *Relay) Users() []string {
	r.lock()
	defer r.unlock()
	return r.users()
}

// Close stops every pending grace timer. Pending identities are not
// announced.
func (r *Relay) Close() {
	r.lock()
	defer r.unlock()
	r.grace.Stop()
}

// dispatch runs fn as its own serialized step. It is how grace timers get
// back into the relay.
func (r *Relay) dispatch(fn func()) {
	r.lock()
	defer r.unlock()
	fn()
}

func (r *Relay) lock() {
	r.mu.Lock()
}

// unlock refreshes the state gauges before leaving the critical section.
func (r *Relay) unlock() {
	metrics.AuthenticatedSessions.Set(float64(r.authenticated))
	metrics.GracePending.Set(float64(r.grace.Len()))
	metrics.BansActive.Set(float64(r.bans.Len()))
	metrics.IdentitiesClaimed.Set(float64(r.registry.Len()))
	r.mu.Unlock()
}

func (r *Relay) getAuthenticated(connID string) (*Session, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if !s.Authenticated {
		r.sendError(connID, protocol.CodeNotAuthenticated, "claim an identity first")
		return nil, ErrNotAuthenticated
	}
	return s, nil
}

// removeLive drops s from the set consulted by broadcasts. Every teardown
// path calls it before anything else.
func (r *Relay) removeLive(s *Session) {
	if _, ok := r.sessions[s.ConnID]; !ok {
		return
	}
	delete(r.sessions, s.ConnID)
	if s.Device != "" && r.byDevice[s.Device] == s {
		delete(r.byDevice, s.Device)
	}
	if s.Authenticated {
		r.authenticated--
	}
}

func (r *Relay) liveByName(name string) *Session {
	for _, s := range r.sessions {
		if s.Authenticated && s.Name == name {
			return s
		}
	}
	return nil
}

func (r *Relay) emit(e chat.Event) {
	if r.onEvent == nil {
		return
	}
	e.Ts = r.clock.Now().Unix()
	r.onEvent(e)
}

func (r *Relay) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: build %s failed conn=%s: %v", msgType, connID, err)
		return
	}
	if err := r.transport.SendMessage(connID, data); err != nil {
		metrics.DeliveryFailures.Inc()
		log.Printf("relay: send %s failed conn=%s: %v", msgType, connID, err)
	}
}

func (r *Relay) sendError(connID, code, message string) {
	r.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (r *Relay) disconnect(connID string) {
	if err := r.transport.Disconnect(connID); err != nil {
		log.Printf("relay: disconnect failed conn=%s: %v", connID, err)
	}
}
