package roster

import (
	"context"
	"log/slog"
	"time"

	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/protocol"
)

// opTimeout bounds a single Redis write made by the mirror worker.
const opTimeout = 3 * time.Second

type op struct {
	join        bool
	connID      string
	displayName string
	at          time.Time
}

// Mirror is a hub.Observer that replays presence changes into a Store on
// its own goroutine, so Redis latency never reaches the hub.
type Mirror struct {
	store  *Store
	logger *slog.Logger
	ops    chan op
	now    func() time.Time
}

var _ hub.Observer = (*Mirror)(nil)

// NewMirror creates a Mirror buffering up to queueSize pending writes.
func NewMirror(store *Store, logger *slog.Logger, queueSize int) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Mirror{
		store:  store,
		logger: logger.With("component", "roster"),
		ops:    make(chan op, queueSize),
		now:    time.Now,
	}
}

// Delivered implements hub.Observer.
func (m *Mirror) Delivered(d hub.Delivery) {
	switch ev := d.Effect.Event.(type) {
	case protocol.PresenceJoinedMsg:
		m.enqueue(op{join: true, connID: ev.ConnectionID, displayName: ev.DisplayName, at: m.now()})
	case protocol.PresenceLeftMsg:
		m.enqueue(op{connID: ev.ConnectionID})
	}
}

// Rejected implements hub.Observer.
func (m *Mirror) Rejected(string, string) {}

func (m *Mirror) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		m.logger.Warn("roster queue full, dropping update", "conn", o.connID, "join", o.join)
	}
}

// Run applies queued updates until ctx is cancelled, then drains what is
// left with a fresh deadline.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case o := <-m.ops:
			m.apply(context.Background(), o)
		case <-ctx.Done():
			for {
				select {
				case o := <-m.ops:
					m.apply(context.Background(), o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(parent context.Context, o op) {
	ctx, cancel := context.WithTimeout(parent, opTimeout)
	defer cancel()

	var err error
	if o.join {
		err = m.store.Add(ctx, o.connID, o.displayName, o.at)
	} else {
		err = m.store.Remove(ctx, o.connID)
	}
	if err != nil {
		m.logger.Warn("roster update failed", "conn", o.connID, "error", err)
	}
}
