//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux
// platforms. Each connection gets a buffered reader; a monitor goroutine
// peeks it to detect pending data without consuming any, reports the
// connection as ready and waits for Resume before peeking again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and swaps its reader for a buffered one that
// the monitor goroutine can peek.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReaderSize(c.Conn, 4096)
	c.reader = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[c.Conn] = resume
	e.mu.Unlock()

	go e.monitor(c.Conn, br, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, br *bufio.Reader, resume chan struct{}) {
	for {
		// Block until data is available or the connection errors. A failed
		// peek is still reported so the read path can notice the closure.
		_, err := br.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor for conn peek again once its frame was read.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	resume, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.conns, c.Conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for up to timeoutMs milliseconds until at least one
// connection is ready and returns every connection ready at that moment.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, nil
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

func isEINTR(err error) bool {
	return errors.Is(err, errInterrupted)
}

var errInterrupted = errors.New("interrupted system call")

// socketFD is not needed by the goroutine-based fallback.
func socketFD(net.Conn) int {
	return -1
}
