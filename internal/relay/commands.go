package relay

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/metrics"
	"github.com/huddle/relay/internal/protocol"
)

const helpText = "commands: /nick <name>, /who, /me <action>, /quit, /help"

// Chat handles a line of text from an authenticated session. Lines starting
// with "/" are commands; everything else passes the rate limiter and is
// broadcast.
func (r *Relay) Chat(connID, text string) error {
	r.lock()
	defer r.unlock()

	s, err := r.getAuthenticated(connID)
	if err != nil {
		return err
	}
	s.LastSeen = r.clock.Now()

	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		r.sendError(connID, protocol.CodeInvalidMessage, err.Error())
		return err
	}

	if strings.HasPrefix(text, "/") {
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		return r.command(s, text)
	}

	if err := r.admit(s); err != nil {
		return err
	}
	r.broadcast(chat.Entry{From: s.Name, Text: text, Ts: r.clock.Now().Unix()})
	r.emit(chat.Event{Type: chat.EventMessage, Name: s.Name, Text: text})
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	return nil
}

// admit runs the rate limiter for s and tells the client when it is muted.
func (r *Relay) admit(s *Session) error {
	ok, wait := r.limiter.Allow(s.Name, r.clock.Now())
	if ok {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
	r.send(s.ConnID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return ErrRateLimited
}

func (r *Relay) command(s *Session, text string) error {
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "nick":
		if arg == "" {
			r.sendError(s.ConnID, protocol.CodeBadRequest, "usage: /nick <name>")
			return nil
		}
		if err := r.admit(s); err != nil {
			return err
		}
		_, err := r.rename(s, arg)
		return err

	case "quit", "logout":
		r.logout(s)
		return nil

	case "who":
		r.send(s.ConnID, protocol.TypeUsers, protocol.UsersMsg{Names: r.users()})
		return nil

	case "me":
		if arg == "" {
			r.sendError(s.ConnID, protocol.CodeBadRequest, "usage: /me <action>")
			return nil
		}
		if err := r.admit(s); err != nil {
			return err
		}
		line := s.Name + " " + arg
		r.broadcast(chat.Entry{Text: line, System: true, Ts: r.clock.Now().Unix()})
		r.emit(chat.Event{Type: chat.EventMessage, Name: s.Name, Text: "* " + line})
		return nil

	case "help":
		r.send(s.ConnID, protocol.TypeMessage, toWire(chat.Entry{
			Text:   helpText,
			System: true,
			Ts:     r.clock.Now().Unix(),
		}, s.Mode))
		return nil
	}

	log.Printf("relay: unknown command conn=%s cmd=%q", s.ConnID, cmd)
	r.sendError(s.ConnID, protocol.CodeUnknownCommand, fmt.Sprintf("unknown command /%s, try /help", cmd))
	return ErrUnknownCommand
}
