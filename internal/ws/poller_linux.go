//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollWaitMillis bounds a single epoll_wait so the event loop notices
// shutdown without needing a wakeup.
const pollWaitMillis = 200

// Poller reports connections with pending input using Linux epoll, so idle
// connections cost no goroutine.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// pollable returns the connection the poller and the frame reader share.
// epoll works on the socket itself.
func pollable(conn net.Conn) net.Conn {
	return conn
}

// Add watches conn for input and peer hangup.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove stops watching conn. A descriptor that was already closed is
// dropped from the table without error.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	p.mu.Lock()
	if fd >= 0 {
		delete(p.conns, fd)
	} else {
		for k, c := range p.conns {
			if c == conn {
				delete(p.conns, k)
			}
		}
	}
	p.mu.Unlock()

	if fd < 0 {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Resume is called once a ready connection has been served. Level-triggered
// epoll needs no rearming.
func (p *Poller) Resume(net.Conn) {}

// Wait returns the connections that have input. It returns an empty batch
// when the wait times out or is interrupted by a signal.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, pollWaitMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Len returns the number of watched connections.
func (p *Poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]net.Conn)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
