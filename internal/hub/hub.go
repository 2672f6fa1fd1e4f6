// Package hub serializes every inbound room event through a single goroutine
// that owns the Router and its Registry, and fans the resulting effects out to
// the transport.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/router"
)

// ErrStopped is returned by Submit once the hub has stopped.
var ErrStopped = errors.New("hub: stopped")

// Transport delivers encoded frames to live connections.
type Transport interface {
	SendMessage(connID string, data []byte) error
	ConnectionIDs() []string
}

// Delivery describes one effect after fan-out.
type Delivery struct {
	Effect  router.Effect
	Data    []byte
	Sent    int
	Dropped int
	Elapsed time.Duration
}

// Observer is notified from the hub goroutine. Implementations must not
// block; anything slow belongs on their own worker.
type Observer interface {
	Delivered(d Delivery)
	Rejected(connID, reason string)
}

type inbound struct {
	connID string
	msg    interface{}
}

// Hub is the single writer of room state.
type Hub struct {
	router    *router.Router
	transport Transport
	logger    *slog.Logger
	observers []Observer

	events  chan inbound
	stopped chan struct{}
}

// New creates a Hub. queueSize bounds the inbound channel; Submit blocks
// while it is full, which back-pressures the reading workers.
func New(r *router.Router, transport Transport, logger *slog.Logger, queueSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Hub{
		router:    r,
		transport: transport,
		logger:    logger.With("component", "hub"),
		events:    make(chan inbound, queueSize),
		stopped:   make(chan struct{}),
	}
}

// AddObserver registers o. Call before Run.
func (h *Hub) AddObserver(o Observer) {
	h.observers = append(h.observers, o)
}

// SetTransport replaces the transport. Call before Run.
func (h *Hub) SetTransport(t Transport) {
	h.transport = t
}

// Submit queues msg from connID for the hub goroutine. msg is router.Opened,
// router.Closed or a parsed client event.
func (h *Hub) Submit(connID string, msg interface{}) error {
	select {
	case <-h.stopped:
		return ErrStopped
	default:
	}

	select {
	case h.events <- inbound{connID: connID, msg: msg}:
		return nil
	case <-h.stopped:
		return ErrStopped
	}
}

// Opened reports a new transport connection.
func (h *Hub) Opened(connID string) {
	if err := h.Submit(connID, router.Opened{}); err != nil {
		h.logger.Debug("open not submitted", "conn", connID, "error", err)
	}
}

// Closed reports a lost transport connection.
func (h *Hub) Closed(connID string) {
	if err := h.Submit(connID, router.Closed{}); err != nil {
		h.logger.Debug("close not submitted", "conn", connID, "error", err)
	}
}

// Run processes events until ctx is cancelled. Events still queued at that
// point are discarded.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	h.logger.Info("hub running")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopped")
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

func (h *Hub) handle(ev inbound) {
	out := h.router.Handle(ev.connID, ev.msg)
	if out.Rejected != "" {
		h.logger.Debug("event rejected",
			"conn", ev.connID,
			"reason", out.Rejected,
			"error", out.Err)
		for _, o := range h.observers {
			o.Rejected(ev.connID, out.Rejected)
		}
		return
	}

	for _, eff := range out.Effects {
		h.deliver(eff)
	}
}

func (h *Hub) deliver(eff router.Effect) {
	start := time.Now()

	data, err := protocol.NewServerMessage(eff.Type, eff.Event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", eff.Type, "error", err)
		return
	}

	d := Delivery{Effect: eff, Data: data}
	for _, id := range eff.To.Resolve(h.transport.ConnectionIDs()) {
		// A recipient that disconnected mid-broadcast is skipped; the rest
		// still get the frame.
		if err := h.transport.SendMessage(id, data); err != nil {
			d.Dropped++
			h.logger.Debug("delivery skipped", "conn", id, "type", eff.Type, "error", err)
			continue
		}
		d.Sent++
	}
	d.Elapsed = time.Since(start)

	for _, o := range h.observers {
		o.Delivered(d)
	}
}
