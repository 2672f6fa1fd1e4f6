package roomstate

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby/chatroom/internal/client"
)

// DefaultTypingIdle is how long after the last keystroke the local user
// stops being reported as typing.
const DefaultTypingIdle = 2 * time.Second

// TypingSender is the part of client.Session a Typist drives.
type TypingSender interface {
	SetTyping(isTyping bool) error
}

// Typist debounces local input into typing intents: true on the first
// keystroke, false once input has been idle for the configured period or
// a message is sent.
type Typist struct {
	sender TypingSender
	idle   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64 // bumped on every reset; stale timer callbacks compare it
}

// NewTypist creates a Typist. A non-positive idle uses DefaultTypingIdle.
func NewTypist(sender TypingSender, idle time.Duration, logger *slog.Logger) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Typist{sender: sender, idle: idle, logger: logger.With("component", "typist")}
}

// Keystroke records local input.
func (t *Typist) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.typing {
		t.typing = true
		t.send(true)
	}
	gen := t.resetLocked()
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
}

// MessageSent ends the typing state immediately. It always sends false.
func (t *Typist) MessageSent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resetLocked()
	t.typing = false
	t.send(false)
}

// Stop cancels a pending idle flush without sending anything. Call it when
// the session is torn down so no late false reaches a later session.
func (t *Typist) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resetLocked()
	t.typing = false
}

// Typing reports whether the local user is currently reported as typing.
func (t *Typist) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.typing {
		return
	}
	t.timer = nil
	t.typing = false
	t.send(false)
}

func (t *Typist) resetLocked() uint64 {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	return t.gen
}

func (t *Typist) send(isTyping bool) {
	err := t.sender.SetTyping(isTyping)
	switch {
	case err == nil:
	case errors.Is(err, client.ErrNotConnected):
		t.logger.Debug("typing not sent, session not connected", "typing", isTyping)
	default:
		t.logger.Warn("typing send failed", "typing", isTyping, "error", err)
	}
}
