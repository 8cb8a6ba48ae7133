package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

var (
	ErrSendQueueFull    = errors.New("ws: send queue full")
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrNotFound         = errors.New("ws: connection not found")
)

// Connection represents a single WebSocket client connection with its
// associated metadata. Outbound frames go through a bounded queue drained by
// a dedicated writer goroutine, so a slow client never blocks the caller.
type Connection struct {
	ID         string        // connection ID (UUID)
	Conn       net.Conn      // underlying TCP connection
	Fd         int           // file descriptor, -1 where epoll is not used
	CreatedAt  time.Time     // when the connection was established
	reader     io.Reader     // where frames are read from
	lastSeen   atomic.Int64
	writeMu    sync.Mutex    // serializes writes to this connection
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	inbound    *rate.Limiter // data-frame flood guard, nil when disabled

	send      chan []byte
	ping      chan struct{}
	closeReq  chan struct{}
	closing   atomic.Bool
	reqOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		reader:    conn,
		send:      make(chan []byte, queueSize),
		ping:      make(chan struct{}, 1),
		closeReq:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent client activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues a text frame for the writer goroutine. It never blocks:
// a full queue yields ErrSendQueueFull, a closing connection
// ErrConnectionClosed.
func (c *Connection) Enqueue(data []byte) error {
	if c.closing.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// RequestPing asks the writer goroutine to send a protocol-level ping frame.
// It never blocks; a ping still waiting to be written absorbs the request.
// It reports false once the connection is closing.
func (c *Connection) RequestPing() bool {
	if c.closing.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return true
}

// RequestClose asks the writer goroutine to flush what is queued, send a
// close frame and tear the connection down. It returns immediately.
func (c *Connection) RequestClose() {
	c.reqOnce.Do(func() {
		c.closing.Store(true)
		close(c.closeReq)
	})
}

// writePump drains the send queue until the connection is closed or a
// close is requested. onExit runs once the pump stops on its own (write
// error or requested close), never when the connection was closed from
// outside.
func (c *Connection) writePump(timeout time.Duration, onExit func()) {
	for {
		select {
		case data := <-c.send:
			if err := c.writeWithTimeout(data, timeout); err != nil {
				onExit()
				return
			}
		case <-c.ping:
			if err := c.writePing(timeout); err != nil {
				onExit()
				return
			}
		case <-c.closeReq:
			c.flush(timeout)
			c.writeMu.Lock()
			_ = c.Conn.SetWriteDeadline(deadline(timeout))
			_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			c.writeMu.Unlock()
			onExit()
			return
		case <-c.done:
			return
		}
	}
}

func (c *Connection) flush(timeout time.Duration) {
	for {
		select {
		case data := <-c.send:
			if err := c.writeWithTimeout(data, timeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeWithTimeout(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(deadline(timeout))
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) writePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(deadline(timeout))
	err := ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the underlying network connection and stops the writer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// network connections to their respective Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil if
// not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
