// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking live connections, reading frames through a poller
// and a bounded worker pool, and delivering outbound frames through
// per-connection queues.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// MaxFrameBytes bounds a single inbound data frame.
const MaxFrameBytes = 64 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":3001"
	AllowedOrigin  string        // browser origin allowed to connect; "" or "*" allows any
	Environment    string        // reported by the health endpoint
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	SendQueueSize  int           // outbound frames buffered per connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3001",
		AllowedOrigin:  "http://localhost:3000",
		Environment:    "development",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		SendQueueSize:  256,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and the Poller. It
// upgrades HTTP connections, registers them with the poller, and hands ready
// connections to a bounded worker pool that reads one frame at a time.
type Server struct {
	config       ServerConfig
	logger       *slog.Logger
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{}                      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // called for every data frame
	onConnect    func(connID string)                 // called once a connection is registered
	onDisconnect func(connID string)                 // called once a connection is removed
	participants func() int                          // reported by the health endpoint
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from a
// worker goroutine whenever a complete data frame is received; frames of one
// connection are never handled concurrently.
func NewServer(config ServerConfig, logger *slog.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 1
	}

	s := &Server{
		config:     config,
		logger:     logger.With("component", "ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	return s
}

// Handle registers an extra HTTP handler next to the WebSocket endpoint.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnConnect registers a callback invoked after a connection has been
// registered and before any of its frames are read.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetParticipantCounter lets the health endpoint report joined participants.
func (s *Server) SetParticipantCounter(fn func() int) {
	s.participants = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve creates the poller, starts the event loop and heartbeat, and serves
// HTTP on ln. It blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.mux}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, registers
// it, announces it through onConnect and only then starts reading from it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		s.logger.Warn("upgrade rejected: origin not allowed", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueueSize)
	s.conns.Add(c)
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		s.logger.Debug("write failed", "conn", c.ID, "error", err)
		s.RemoveConnection(c)
	})

	if s.onConnect != nil {
		s.onConnect(c.ID)
	}

	if err := s.poller.Add(conn, c.reader); err != nil {
		s.logger.Error("poller add failed", "conn", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.logger.Info("connection opened", "conn", c.ID, "fd", c.Fd, "total", s.conns.Count())
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.AllowedOrigin
	return origin == "" || allowed == "" || allowed == "*" || origin == allowed
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.config.AllowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.config.AllowedOrigin)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status       string `json:"status"`
		Timestamp    string `json:"timestamp"`
		Environment  string `json:"environment"`
		Connections  int    `json:"connections"`
		Participants int    `json:"participants"`
		Uptime       string `json:"uptime"`
	}{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Environment: s.config.Environment,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.participants != nil {
		resp.Participants = s.participants()
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop and hands each ready connection
// to a worker goroutine bounded by the worker pool semaphore.
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
			}
			if !isEINTR(err) {
				s.logger.Error("poller wait error", "error", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled in place; data frames go to onMessage. Any read failure other
// than a timeout removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// One worker reads a connection at a time; the poller holds it back
	// until Resume.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat deals with
		// connections that are really dead.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.logger.Warn("frame too large", "conn", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
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

// RemoveConnection unregisters and closes c, then reports it through
// onDisconnect. Concurrent removals of the same connection (read error racing
// a heartbeat timeout) run the cleanup only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.logger.Info("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage queues a text frame for the connection identified by connID.
// It never blocks on the network.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	return c.Enqueue(data)
}

// ConnectionIDs returns the ids of every live connection.
func (s *Server) ConnectionIDs() []string {
	return s.conns.IDs()
}

// Connections returns the ConnectionManager, used by the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop and closes every
// connection, reporting each through onDisconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.logger.Info("server stopped, all connections closed")
	})
	return err
}
