package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/relay/internal/protocol"
)

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func startTestServer(t *testing.T, configure func(s *Server, d *MessageDispatcher)) (*Server, string) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.SendQueueSize = 8
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second

	d := NewMessageDispatcher()
	s := NewServer(cfg, d.Dispatch)
	if configure != nil {
		configure(s, d)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown() })

	return s, "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		buffered := make([]byte, br.Buffered())
		_, _ = br.Read(buffered)
		ws.PutReader(br)
		r = io.MultiReader(bytes.NewReader(buffered), conn)
	}
	return &testClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *testClient) send(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read(t *testing.T) (map[string]interface{}, error) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m, nil
}

func (c *testClient) mustRead(t *testing.T, wantType string) map[string]interface{} {
	t.Helper()
	m, err := c.read(t)
	if err != nil {
		t.Fatalf("read %s: %v", wantType, err)
	}
	if m["type"] != wantType {
		t.Fatalf("expected %q, got %v", wantType, m)
	}
	return m
}

func waitFor(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

// ---------------------------------------------------------------------------
// Test: upgrade, session_created and message dispatch
// ---------------------------------------------------------------------------

func TestServerDispatchesMessages(t *testing.T) {
	connected := make(chan string, 1)
	var srv *Server
	srv, url := startTestServer(t, func(s *Server, d *MessageDispatcher) {
		s.SetOnConnect(func(id string) { connected <- id })
		d.Register(protocol.TypeMessage, func(conn *Connection, msg interface{}) {
			m := msg.(protocol.ChatMsg)
			data := protocol.MustServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{From: "echo", Text: m.Text})
			_ = srv.SendMessage(conn.ID, data)
		})
	})

	c := dial(t, url)
	id := waitFor(t, connected, "onConnect")

	created := c.mustRead(t, protocol.TypeSessionCreated)
	if created["session_id"] != id {
		t.Fatalf("session_id %v does not match connection %s", created["session_id"], id)
	}

	c.send(t, protocol.PingMsg{Type: protocol.TypePing})
	c.mustRead(t, protocol.TypePong)

	c.send(t, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "hello"})
	echo := c.mustRead(t, protocol.TypeMessage)
	if echo["text"] != "hello" {
		t.Errorf("expected echo of hello, got %v", echo)
	}

	c.send(t, map[string]string{"type": "find_match"})
	if e := c.mustRead(t, protocol.TypeError); e["code"] != "bad_request" {
		t.Errorf("expected bad_request, got %v", e)
	}
}

// ---------------------------------------------------------------------------
// Test: the flood guard drops frames above the configured rate
// ---------------------------------------------------------------------------

func TestServerFloodGuard(t *testing.T) {
	handled := make(chan string, 8)
	_, url := startTestServer(t, func(s *Server, d *MessageDispatcher) {
		s.config.FrameRate = 0.5
		s.config.FrameBurst = 1
		d.Register(protocol.TypeMessage, func(conn *Connection, msg interface{}) {
			handled <- msg.(protocol.ChatMsg).Text
		})
	})

	c := dial(t, url)
	c.mustRead(t, protocol.TypeSessionCreated)

	c.send(t, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "one"})
	c.send(t, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "two"})

	if got := waitFor(t, handled, "first message"); got != "one" {
		t.Fatalf("expected first message to be handled, got %q", got)
	}
	if e := c.mustRead(t, protocol.TypeError); e["code"] != protocol.CodeTooManyFrames {
		t.Errorf("expected %s, got %v", protocol.CodeTooManyFrames, e)
	}
	select {
	case got := <-handled:
		t.Errorf("second message should have been dropped, handled %q", got)
	default:
	}
}

// ---------------------------------------------------------------------------
// Test: Disconnect flushes queued frames before closing
// ---------------------------------------------------------------------------

func TestServerDisconnectFlushesQueue(t *testing.T) {
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	srv, url := startTestServer(t, func(s *Server, d *MessageDispatcher) {
		s.SetOnConnect(func(id string) { connected <- id })
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	c := dial(t, url)
	id := waitFor(t, connected, "onConnect")
	c.mustRead(t, protocol.TypeSessionCreated)

	bye := protocol.MustServerMessage(protocol.TypeForceClosed, protocol.ForceClosedMsg{Reason: "replaced"})
	if err := srv.SendMessage(id, bye); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := srv.Disconnect(id); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if fc := c.mustRead(t, protocol.TypeForceClosed); fc["reason"] != "replaced" {
		t.Errorf("unexpected force_closed: %v", fc)
	}
	if _, err := c.read(t); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if got := waitFor(t, disconnected, "onDisconnect"); got != id {
		t.Errorf("onDisconnect for %s, want %s", got, id)
	}
	if err := srv.SendMessage(id, bye); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: client-side close reaches the disconnect callback
// ---------------------------------------------------------------------------

func TestServerClientCloseNotifies(t *testing.T) {
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	srv, url := startTestServer(t, func(s *Server, d *MessageDispatcher) {
		s.SetOnConnect(func(id string) { connected <- id })
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	c := dial(t, url)
	id := waitFor(t, connected, "onConnect")
	c.mustRead(t, protocol.TypeSessionCreated)

	c.conn.Close()

	if got := waitFor(t, disconnected, "onDisconnect"); got != id {
		t.Errorf("onDisconnect for %s, want %s", got, id)
	}
	if n := srv.Connections().Count(); n != 0 {
		t.Errorf("expected 0 connections, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Test: heartbeat evicts idle connections
// ---------------------------------------------------------------------------

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	disconnected := make(chan string, 1)
	s := NewServer(DefaultServerConfig(), nil)
	s.SetOnDisconnect(func(id string) { disconnected <- id })

	server, client := net.Pipe()
	defer client.Close()
	c := newConnection("idle", server, 4)
	s.conns.Add(c)

	checkConnections(s, s.config.Heartbeat, time.Now().Add(time.Hour))

	if got := waitFor(t, disconnected, "onDisconnect"); got != "idle" {
		t.Errorf("expected idle to be evicted, got %s", got)
	}
	if s.Connections().Count() != 0 {
		t.Error("connection should be removed")
	}
}

// ---------------------------------------------------------------------------
// Test: a peer that stops reading does not delay pings to the others
// ---------------------------------------------------------------------------

func TestHeartbeatPingsDoNotBlockOnStalledPeer(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	cfg := HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour}

	// Nobody reads from these pipes, so a synchronous ping would block.
	var stalled []*Connection
	for _, id := range []string{"a", "b", "c"} {
		server, client := net.Pipe()
		t.Cleanup(func() { server.Close(); client.Close() })
		c := newConnection(id, server, 4)
		s.conns.Add(c)
		stalled = append(stalled, c)
	}

	returned := make(chan struct{})
	go func() {
		checkConnections(s, cfg, time.Now())
		checkConnections(s, cfg, time.Now())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("checkConnections blocked on a stalled peer")
	}

	for _, c := range stalled {
		if len(c.ping) != 1 {
			t.Errorf("conn %s: expected one pending ping, got %d", c.ID, len(c.ping))
		}
	}
	if n := s.Connections().Count(); n != 3 {
		t.Errorf("expected 3 connections, got %d", n)
	}
}

func TestWriterSendsRequestedPing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConnection("pinged", server, 4)
	go c.writePump(time.Second, func() {})
	defer c.Close()

	if !c.RequestPing() {
		t.Fatal("RequestPing should succeed on an open connection")
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	frame, err := ws.ReadFrame(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Header.OpCode != ws.OpPing {
		t.Errorf("expected ping frame, got opcode %v", frame.Header.OpCode)
	}

	c.RequestClose()
	if c.RequestPing() {
		t.Error("RequestPing should report false once closing")
	}
}
