//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Poller emulates readiness notification with one goroutine per connection
// on platforms without epoll. The goroutine peeks through a shared buffered
// reader, so no frame bytes are lost, and parks until the connection has
// been served.
type Poller struct {
	mu     sync.Mutex
	conns  map[net.Conn]chan struct{} // resume signal per connection
	ready  chan net.Conn
	done   chan struct{}
	closed sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]chan struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// peekConn routes reads through a buffered reader the poller can peek on.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// pollable wraps conn so readiness can be detected without consuming input.
func pollable(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts watching conn, which must come from pollable.
func (p *Poller) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	p.mu.Lock()
	p.conns[conn] = resume
	p.mu.Unlock()

	go p.watch(conn, resume)
	return nil
}

func (p *Poller) watch(conn net.Conn, resume chan struct{}) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	for {
		// A deadline left by the last read would end the peek early.
		_ = conn.SetReadDeadline(time.Time{})
		_, err := pc.r.Peek(1)

		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
		if err != nil {
			// The reader sees the same error and removes the connection.
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	if resume, ok := p.conns[conn]; ok {
		close(resume)
		delete(p.conns, conn)
	}
	p.mu.Unlock()
	return nil
}

// Resume lets the watcher of conn look for the next frame.
func (p *Poller) Resume(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resume, ok := p.conns[conn]; ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that point.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Len returns the number of watched connections.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops every watcher.
func (p *Poller) Close() error {
	p.closed.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
