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
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSendQueueFull    = errors.New("ws: send queue full")
	ErrUnknownConn      = errors.New("ws: connection not found")
)

// Connection represents a single WebSocket client connection with its
// associated metadata, a bounded outbound queue drained by its own writer
// goroutine, and a write mutex for serializing frames.
type Connection struct {
	ID        string    // connection id (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups
	CreatedAt time.Time // when the connection was established

	reader     io.Reader    // frames are read from here, see newFrameReader
	lastSeen   atomic.Int64 // unix nanos of the last frame received
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		reader:    newFrameReader(conn),
		send:      make(chan []byte, queueSize),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last proved it was alive.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues a text frame for the writer goroutine without blocking.
// A full queue drops the frame: delivery is best effort and a slow client
// must not stall the rest of the room.
func (c *Connection) Enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the outbound queue until it is closed. onError is called
// once on the first failed write, after which the loop exits.
func (c *Connection) writeLoop(timeout time.Duration, onError func(error)) {
	for data := range c.send {
		err := c.writeWithDeadline(timeout, func() error {
			return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
		})
		if err != nil {
			onError(err)
			return
		}
	}
}

// WriteMessage writes a WebSocket text frame immediately. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeWithDeadline runs write under the write mutex with a write deadline
// that is cleared again afterwards.
func (c *Connection) writeWithDeadline(timeout time.Duration, write func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return write()
}

// Close stops the outbound queue and closes the network connection.
func (c *Connection) Close() error {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
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

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if fd := socketFD(c); fd >= 0 {
		return cm.byFd[fd]
	}
	// No descriptor on this platform: fall back to a scan.
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// IDs returns the ids of all current connections.
func (cm *ConnectionManager) IDs() []string {
	cm.mu.RLock()
	ids := make([]string, 0, len(cm.byID))
	for id := range cm.byID {
		ids = append(ids, id)
	}
	cm.mu.RUnlock()
	return ids
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
