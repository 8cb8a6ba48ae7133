package relay

import (
	"log"
	"sort"
	"time"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/metrics"
	"github.com/huddle/relay/internal/protocol"
)

// announce broadcasts a system line.
func (r *Relay) announce(kind, text string) {
	metrics.AnnouncementsTotal.WithLabelValues(kind).Inc()
	r.broadcast(chat.Entry{Text: text, System: true, Ts: r.clock.Now().Unix()})
}

// broadcast appends e to history and delivers it to every authenticated
// session, the sender included. A failed delivery is logged and skipped.
func (r *Relay) broadcast(e chat.Entry) {
	start := time.Now()
	r.history.Add(e)

	var encoded [2][]byte // rich, plain
	for _, s := range r.sessions {
		if !s.Authenticated {
			continue
		}
		idx := 0
		if s.Mode == protocol.ModePlain {
			idx = 1
		}
		if encoded[idx] == nil {
			data, err := protocol.NewServerMessage(protocol.TypeMessage, toWire(e, s.Mode))
			if err != nil {
				log.Printf("relay: encode broadcast failed: %v", err)
				return
			}
			encoded[idx] = data
		}
		if err := r.transport.SendMessage(s.ConnID, encoded[idx]); err != nil {
			metrics.DeliveryFailures.Inc()
			log.Printf("relay: broadcast delivery failed conn=%s name=%s: %v", s.ConnID, s.Name, err)
		}
	}

	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// replayHistory sends the retained lines to s, oldest first.
func (r *Relay) replayHistory(s *Session) {
	entries := r.history.Entries()
	wire := make([]protocol.ServerChatMsg, len(entries))
	for i, e := range entries {
		wire[i] = toWire(e, s.Mode)
	}
	r.send(s.ConnID, protocol.TypeHistory, protocol.HistoryMsg{Entries: wire})
}

func toWire(e chat.Entry, mode string) protocol.ServerChatMsg {
	m := protocol.ServerChatMsg{
		From:   e.From,
		Text:   e.Text,
		Ts:     e.Ts,
		System: e.System,
	}
	if mode == protocol.ModePlain {
		m.Line = e.Line()
	}
	return m
}

func (r *Relay) users() []string {
	names := make([]string, 0, r.authenticated)
	for _, s := range r.sessions {
		if s.Authenticated {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}
