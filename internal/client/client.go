// Package client is a small WebSocket client for the relay. It connects with
// gobwas/ws, records the session ID the server assigns on upgrade, and
// dispatches incoming events to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/relay/internal/protocol"
)

// ErrClosed is returned by WaitForSession when the connection ends first.
var ErrClosed = errors.New("client: connection closed")

// Client is one connection to the relay.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string]func(json.RawMessage)
	fallback  func(string, json.RawMessage)
	sessionID string
	readErr   error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url (ws://host:port/ws) and starts reading.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// On registers a handler for one server event type, replacing any previous
// one. Handlers run on the read goroutine and should not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnOther registers a handler for event types without a dedicated handler.
func (c *Client) OnOther(handler func(msgType string, raw json.RawMessage)) {
	c.mu.Lock()
	c.fallback = handler
	c.mu.Unlock()
}

// Send marshals msg and writes it as one text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Claim asks for a display name. device may be empty.
func (c *Client) Claim(name, device string, reconnect bool, mode string) error {
	return c.Send(protocol.ClaimIdentityMsg{
		Type:      protocol.TypeClaimIdentity,
		Name:      name,
		Device:    device,
		Reconnect: reconnect,
		Mode:      mode,
	})
}

// Rename asks for a new display name.
func (c *Client) Rename(name string) error {
	return c.Send(protocol.ChangeIdentityMsg{Type: protocol.TypeChangeIdentity, Name: name})
}

// Say sends a chat line or slash command.
func (c *Client) Say(text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, Text: text})
}

// Logout ends the session without a grace period.
func (c *Client) Logout() error {
	return c.Send(protocol.LogoutMsg{Type: protocol.TypeLogout})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// WaitForSession blocks until session_created arrives and returns the ID.
func (c *Client) WaitForSession(ctx context.Context) (string, error) {
	select {
	case <-c.ready:
		return c.SessionID(), nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the ID assigned by the server, or "" before the
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	c.writeMu.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
	c.writeMu.Unlock()
	return c.shutdown(nil)
}

func (c *Client) shutdown(err error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// readLoop reads frames until the connection ends. Control frames are
// answered by wsutil.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				err = nil
			}
			select {
			case <-c.done:
			default:
				c.shutdown(err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	if env.Type == protocol.TypeSessionCreated {
		var msg protocol.SessionCreatedMsg
		if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
		}
	}

	c.mu.Lock()
	handler, ok := c.handlers[env.Type]
	fallback := c.fallback
	c.mu.Unlock()

	switch {
	case ok:
		handler(json.RawMessage(data))
	case fallback != nil:
		fallback(env.Type, json.RawMessage(data))
	}
}
