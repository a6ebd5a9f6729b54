// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections and their channel
// memberships, and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/metrics"
)

var log = logrus.WithField("component", "ws")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	PingInterval   time.Duration // how often idle connections are pinged
	PongTimeout    time.Duration // grace after a missed ping before eviction
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and a readiness Poller
// (epoll on Linux). It upgrades HTTP connections to WebSocket, registers them
// with the poller, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called once a connection is registered
	onDisconnect func(conn *Connection)              // called when a connection is removed
	healthCheck  func(ctx context.Context) error     // optional dependency probe for /health
	routes       []func(r chi.Router)                // extra HTTP routes
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection has been
// upgraded and registered, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetHealthCheck registers a probe whose failure turns /health into a 503.
func (s *Server) SetHealthCheck(fn func(ctx context.Context) error) {
	s.healthCheck = fn
}

// Route registers additional HTTP routes on the server's router.
func (s *Server) Route(fn func(r chi.Router)) {
	s.routes = append(s.routes, fn)
}

// Handler builds the HTTP router: the upgrade endpoint, health, metrics and
// any registered routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	for _, fn := range s.routes {
		fn(r)
	}
	return r
}

// Start creates the poller, configures the HTTP server, and begins accepting
// WebSocket connections. It starts the event loop in a background goroutine
// and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	go s.startEventLoop()

	go s.runHeartbeat()

	log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	}).Info("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. The request must name the user in the userId
// query parameter; without it the request is refused before the upgrade and
// nothing is registered.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithError(err).Warn("upgrade failed")
		return
	}
	conn := pollable(raw)

	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(raw),
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch(c.CreatedAt)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// Frames stay buffered in the socket until the connection is handed to
	// the poller, so the connect hook always runs before the first message.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	if s.poller == nil {
		return
	}
	if err := s.poller.Add(conn); err != nil {
		log.WithError(err).WithField("conn", c.ID).Error("poller add failed")
		s.RemoveConnection(c)
		return
	}

	log.WithFields(logrus.Fields{
		"conn":  c.ID,
		"user":  userID,
		"fd":    c.Fd,
		"total": s.conns.Count(),
	}).Debug("new connection")
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
		Store       string `json:"store,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			render.Status(r, http.StatusServiceUnavailable)
		} else {
			resp.Store = "ok"
		}
	}

	render.JSON(w, r, resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine (bounded by the worker pool semaphore) that reads and
// processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.WithError(err).Warn("poller wait error")
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		for _, conn := range conns {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.poller.Resume(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered polling.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Only the first of several racing removals (read error, heartbeat
	// timeout) proceeds.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.WithFields(logrus.Fields{
		"conn":  c.ID,
		"user":  c.UserID,
		"total": s.conns.Count(),
	}).Debug("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// and channel state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, disconnects all active
// connections, and releases the poller.
func (s *Server) Shutdown() error {
	log.Info("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http shutdown error")
		}
	}

	// Run the disconnect path for every connection so presence and rooms
	// are cleaned up as if the clients had left.
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Info("server stopped, all connections closed")
	return nil
}
