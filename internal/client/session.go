// Package client is the chat room's transport session: one logical
// WebSocket connection to the server with connect, disconnect, send and
// typing operations, a subscription interface for inbound events, and
// bounded automatic reconnection after an unexpected transport loss.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lobby/chatroom/internal/protocol"
)

var (
	ErrNotConnected       = errors.New("client: not connected")
	ErrAlreadyConnected   = errors.New("client: already connected")
	ErrAlreadyJoined      = errors.New("client: already joined on this connection")
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
)

// Lifecycle event types delivered to subscribers next to protocol events.
const (
	EventOpened    = "session:opened"    // transport open, first time or after a reconnect
	EventClosed    = "session:closed"    // transport lost or closed by Disconnect
	EventExhausted = "session:exhausted" // reconnect budget spent, session is terminal
)

// Status is the session's connection state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// Event is one inbound protocol event or lifecycle change.
type Event struct {
	Type   string
	Msg    interface{} // parsed protocol message; nil for lifecycle events
	Manual bool        // EventClosed caused by Disconnect
	Err    error       // cause of EventClosed or EventExhausted, if any
}

// Handler receives events. Handlers never run concurrently with each other.
type Handler func(Event)

// Config holds session settings.
type Config struct {
	URL               string        // ws://host:port/ws
	Origin            string        // sent as the Origin header when set
	ReconnectAttempts int           // attempts after a transport loss
	ReconnectDelay    time.Duration // fixed delay before each attempt
	DialTimeout       time.Duration
}

// DefaultConfig returns the standard policy: five reconnect attempts one
// second apart.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		DialTimeout:       5 * time.Second,
	}
}

// Stats counts traffic over the session's lifetime.
type Stats struct {
	Dials            int
	Reconnects       int
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Session owns one logical connection. All exported methods are safe for
// concurrent use.
type Session struct {
	config Config
	dialer ws.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	conn     net.Conn
	src      io.Reader
	connID   string
	joined   bool
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[int]Handler
	nextSub  int
	stats    Stats

	writeMu sync.Mutex
}

// New creates an idle Session.
func New(config Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReconnectAttempts < 0 {
		config.ReconnectAttempts = 0
	}

	dialer := ws.Dialer{Timeout: config.DialTimeout}
	if config.Origin != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"Origin": []string{config.Origin}})
	}

	return &Session{
		config:   config,
		dialer:   dialer,
		logger:   logger.With("component", "session"),
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers h for every subsequent event and returns a function
// that removes it.
func (s *Session) Subscribe(h Handler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Connect opens the transport and joins the room as displayName. Opening
// is retried with the reconnect policy. Calling Connect on a session that
// is already connected or reconnecting returns ErrAlreadyConnected and
// sends nothing. A Disconnect while Connect is still dialing stops the
// dialing; Connect then returns ErrNotConnected without joining.
func (s *Session) Connect(ctx context.Context, displayName string) error {
	s.mu.Lock()
	switch s.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	prev := s.done
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.status = StatusConnecting
	s.connID = ""
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	// A previous loop that gave up may still be delivering its final event.
	if prev != nil {
		<-prev
	}

	dialCtx, stopDial := context.WithCancel(ctx)
	stopOnDisconnect := context.AfterFunc(runCtx, stopDial)
	conn, src, err := s.dialWithRetry(dialCtx)
	stopOnDisconnect()
	stopDial()

	s.mu.Lock()
	if runCtx.Err() != nil {
		// Disconnect got here first and is waiting on done.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(done)
		return fmt.Errorf("%w: disconnected while connecting", ErrNotConnected)
	}
	if err != nil {
		s.status = StatusExhausted
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		close(done)
		if ctx.Err() != nil {
			return fmt.Errorf("client: connect: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	s.status = StatusConnected
	s.conn = conn
	s.src = src
	s.joined = false
	s.mu.Unlock()

	go s.run(runCtx, done)

	return s.Join(displayName)
}

// Join sends a join intent on the current transport. Connect does this
// once; after a reconnect the application decides whether to call Join
// again.
func (s *Session) Join(displayName string) error {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.joined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.joined = true
	s.mu.Unlock()

	return s.send(protocol.TypeJoin, protocol.JoinMsg{DisplayName: displayName})
}

// Disconnect closes the transport, cancels any reconnection in progress and
// waits for the event loop to stop. Subscribers then receive an EventClosed
// with Manual set. Disconnecting an idle session is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		// Never connected, or the first connect failed.
		if s.status != StatusExhausted {
			s.mu.Unlock()
			return nil
		}
		s.status = StatusIdle
		s.mu.Unlock()
		s.emit(Event{Type: EventClosed, Manual: true})
		return nil
	}
	// Cancelling under the lock means the loop either already published its
	// new connection or will discard it.
	cancel()
	conn := s.conn
	s.cancel = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done

	s.mu.Lock()
	s.status = StatusIdle
	s.conn = nil
	s.src = nil
	s.connID = ""
	s.joined = false
	s.mu.Unlock()

	// The event loop has exited, so this cannot race another handler call.
	s.emit(Event{Type: EventClosed, Manual: true})
	s.logger.Info("disconnected")
	return nil
}

// Send sends a chat message. It returns ErrNotConnected unless the
// transport is open.
func (s *Session) Send(text string) error {
	return s.send(protocol.TypeMessageSend, protocol.MessageSendMsg{Text: text})
}

// SetTyping reports the local user's typing state.
func (s *Session) SetTyping(isTyping bool) error {
	return s.send(protocol.TypeTyping, protocol.TypingMsg{IsTyping: isTyping})
}

// IsConnected reports whether the transport is currently open.
func (s *Session) IsConnected() bool {
	return s.Status() == StatusConnected
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConnectionID returns the id the server assigned to the current
// transport, or "" before session:created has arrived.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Stats returns a copy of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) send(msgType string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.status == StatusConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	err = wsutil.WriteClientMessage(conn, ws.OpText, data)
	s.writeMu.Unlock()

	s.mu.Lock()
	if err != nil {
		s.stats.Errors++
	} else {
		s.stats.MessagesSent++
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("client: send %s: %w", msgType, err)
	}
	return nil
}

// run is the session's event loop. Every handler call happens here.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.emit(Event{Type: EventOpened})
	for {
		err := s.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("transport lost", "error", err)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = nil
		s.src = nil
		s.status = StatusReconnecting
		s.connID = ""
		s.joined = false
		s.stats.Errors++
		s.mu.Unlock()
		s.emit(Event{Type: EventClosed, Err: err})

		if !s.sleep(ctx, s.config.ReconnectDelay) {
			return
		}
		conn, src, derr := s.dialWithRetry(ctx)
		if derr != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.status = StatusExhausted
			s.mu.Unlock()
			s.logger.Error("reconnect failed", "attempts", s.config.ReconnectAttempts, "error", derr)
			s.emit(Event{Type: EventExhausted, Err: fmt.Errorf("%w: %v", ErrReconnectExhausted, derr)})
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.status = StatusConnected
		s.conn = conn
		s.src = src
		s.stats.Reconnects++
		s.mu.Unlock()

		s.logger.Info("reconnected")
		s.emit(Event{Type: EventOpened})
	}
}

// readLoop reads text frames until the transport fails. Control frames are
// answered through the write mutex so they never interleave with sends.
func (s *Session) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn, src := s.conn, s.src
	s.mu.Unlock()

	control := wsutil.ControlFrameHandler(lockedWriter{w: conn, mu: &s.writeMu}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		s.logger.Debug("dropping unparseable event", "error", err)
		return
	}

	s.mu.Lock()
	s.stats.MessagesReceived++
	if created, ok := msg.(protocol.SessionCreatedMsg); ok {
		s.connID = created.ConnectionID
	}
	s.mu.Unlock()

	s.emit(Event{Type: msgType, Msg: msg})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for i := 0; i < s.nextSub; i++ {
		if h, ok := s.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// dialWithRetry opens the transport, trying up to ReconnectAttempts times
// (at least once) with ReconnectDelay between attempts.
func (s *Session) dialWithRetry(ctx context.Context) (net.Conn, io.Reader, error) {
	type opened struct {
		conn net.Conn
		src  io.Reader
	}

	tries := uint(s.config.ReconnectAttempts)
	if tries == 0 {
		tries = 1
	}

	res, err := backoff.Retry(ctx, func() (opened, error) {
		s.mu.Lock()
		s.stats.Dials++
		s.mu.Unlock()

		conn, br, _, err := s.dialer.Dial(ctx, s.config.URL)
		if err != nil {
			return opened{}, err
		}
		var src io.Reader = conn
		if br != nil {
			// The server may have written frames right behind the
			// handshake response; they sit in br, which reads through to
			// conn once drained.
			src = br
		}
		return opened{conn: conn, src: src}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.config.ReconnectDelay)),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("dial failed, retrying", "error", err, "in", next)
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return res.conn, res.src, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
