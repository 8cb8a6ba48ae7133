package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/relay/internal/protocol"
)

// newStubServer answers session_created on upgrade and confirms every
// claim_identity with the requested name. Anything else is echoed back as
// an error event.
func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go serveStub(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serveStub(conn net.Conn) {
	defer conn.Close()
	send := func(msgType string, payload interface{}) {
		_ = wsutil.WriteServerMessage(conn, ws.OpText, protocol.MustServerMessage(msgType, payload))
	}
	send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "sess-1"})

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeBadRequest, Message: err.Error()})
			continue
		}
		switch m := msg.(type) {
		case protocol.ClaimIdentityMsg:
			send(protocol.TypeIdentityConfirmed, protocol.IdentityConfirmedMsg{Name: m.Name})
		case protocol.PingMsg:
			send(protocol.TypePong, protocol.PongMsg{})
		default:
			send(protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeUnknownCommand, Message: msgType})
		}
	}
}

func dialStub(t *testing.T) *Client {
	t.Helper()
	srv := newStubServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ---------------------------------------------------------------------------
// Test: handshake and handlers
// ---------------------------------------------------------------------------

func TestClient_SessionAndClaim(t *testing.T) {
	c := dialStub(t)

	confirmed := make(chan protocol.IdentityConfirmedMsg, 1)
	c.On(protocol.TypeIdentityConfirmed, func(raw json.RawMessage) {
		var m protocol.IdentityConfirmedMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			confirmed <- m
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := c.WaitForSession(ctx)
	if err != nil {
		t.Fatalf("wait for session: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("expected session sess-1, got %q", id)
	}

	if err := c.Claim("alice", "dev-1", false, protocol.ModePlain); err != nil {
		t.Fatalf("claim: %v", err)
	}
	select {
	case m := <-confirmed:
		if m.Name != "alice" {
			t.Errorf("expected alice, got %q", m.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("identity_confirmed never arrived")
	}
}

func TestClient_FallbackHandler(t *testing.T) {
	c := dialStub(t)

	other := make(chan string, 4)
	c.OnOther(func(msgType string, _ json.RawMessage) {
		other <- msgType
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("wait for session: %v", err)
	}

	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	select {
	case got := <-other:
		if got != protocol.TypePong {
			t.Errorf("expected pong, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong never arrived")
	}
}

// ---------------------------------------------------------------------------
// Test: close
// ---------------------------------------------------------------------------

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := dialStub(t)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done channel not closed")
	}
	if err := c.Err(); err != nil {
		t.Errorf("expected no read error after Close, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.WaitForSession(ctx); err != nil && err != ErrClosed {
		t.Errorf("unexpected wait error: %v", err)
	}
}
