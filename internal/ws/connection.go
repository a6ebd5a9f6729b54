package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrConnectionNotFound is returned when a connection id is not registered on
// this server.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string              // connection handle (UUID)
	UserID       string              // user presented at upgrade time
	Conn         net.Conn            // underlying TCP connection
	Fd           int                 // file descriptor, -1 off Linux
	CreatedAt    time.Time           // when the connection was established
	lastSeen     atomic.Int64        // unix nanos of the last frame from the client
	writeTimeout time.Duration       // per-frame write deadline, 0 for none
	writeMu      sync.Mutex          // serializes writes to this connection
	processing   int32               // atomic flag: 0 = idle, 1 = being read by handleConn
	channels     map[string]struct{} // guarded by ConnectionManager.mu
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Touch records activity from the client.
func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of the connections held by this
// server and of their channel memberships. Channels are local: a channel only
// ever contains connections of this process.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection            // connection id -> Connection
	byConn   map[net.Conn]*Connection          // net.Conn -> Connection, for poller lookups
	channels map[string]map[string]*Connection // channel -> connection id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:     make(map[string]*Connection),
		byConn:   make(map[net.Conn]*Connection),
		channels: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	if conn.channels == nil {
		conn.channels = make(map[string]struct{})
	}
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, drops it from every channel and closes
// the underlying network connection. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		for channel := range conn.channels {
			cm.leaveLocked(conn, channel)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Has reports whether id is a connection of this server.
func (cm *ConnectionManager) Has(id string) bool {
	return cm.Get(id) != nil
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

// Join adds the connection to channel. Joining twice is a no-op.
func (cm *ConnectionManager) Join(connID, channel string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	members := cm.channels[channel]
	if members == nil {
		members = make(map[string]*Connection)
		cm.channels[channel] = members
	}
	members[connID] = conn
	conn.channels[channel] = struct{}{}
	return nil
}

// leaveLocked must be called with cm.mu held.
func (cm *ConnectionManager) leaveLocked(conn *Connection, channel string) {
	delete(conn.channels, channel)
	if members, ok := cm.channels[channel]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(cm.channels, channel)
		}
	}
}

// Members returns a snapshot of the connection ids joined to channel.
func (cm *ConnectionManager) Members(channel string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.channels[channel]))
	for id := range cm.channels[channel] {
		ids = append(ids, id)
	}
	return ids
}

// EmitTo writes a frame to one connection.
func (cm *ConnectionManager) EmitTo(connID string, data []byte) error {
	conn := cm.Get(connID)
	if conn == nil {
		return ErrConnectionNotFound
	}
	return conn.WriteMessage(data)
}

// EmitToChannel writes a frame to every member of channel. Errors on
// individual connections are ignored; failed connections are cleaned up by
// the event loop when their next read fails.
func (cm *ConnectionManager) EmitToChannel(channel string, data []byte) error {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.channels[channel]))
	for _, conn := range cm.channels[channel] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			log.WithError(err).WithField("conn", conn.ID).Debug("channel write failed")
		}
	}
	return nil
}

// ClearChannel removes every member from channel.
func (cm *ConnectionManager) ClearChannel(channel string) error {
	cm.mu.Lock()
	for _, conn := range cm.channels[channel] {
		delete(conn.channels, channel)
	}
	delete(cm.channels, channel)
	cm.mu.Unlock()
	return nil
}
