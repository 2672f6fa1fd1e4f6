// Package router turns inbound protocol events into Connection Registry
// mutations and the outbound events they cause. It performs no I/O: Handle
// returns Effects that the caller delivers, which keeps the whole protocol
// testable without a network.
package router

import (
	"time"

	"github.com/lobby/chatroom/internal/presence"
	"github.com/lobby/chatroom/internal/protocol"
)

// ConnState is the lifecycle position of one connection.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnected
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Opened is the inbound signal that the transport accepted a new connection.
type Opened struct{}

// Closed is the inbound signal that the transport lost a connection, by
// graceful close, read error or heartbeat timeout.
type Closed struct{}

// Rejection reasons reported in Outcome.Rejected. None of them is sent to
// the client.
const (
	ReasonInvalidName   = "invalid_name"
	ReasonInvalidText   = "invalid_text"
	ReasonNotJoined     = "not_joined"
	ReasonAlreadyJoined = "already_joined"
	ReasonUnknownConn   = "unknown_connection"
	ReasonUnsupported   = "unsupported"
)

// Effect is one outbound event and who receives it.
type Effect struct {
	To    Recipients
	Type  string
	Event interface{}
}

// Outcome is the result of handling one inbound event. Effects must be
// delivered in order.
type Outcome struct {
	Effects  []Effect
	Rejected string // empty when the event was accepted
	Err      error  // validation detail for a rejection, if any
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source used for message timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// Router owns the per-connection state machine. It is not safe for
// concurrent use; the hub drives it from a single goroutine.
type Router struct {
	registry *presence.Registry
	states   map[string]ConnState
	now      func() time.Time
	lastID   int64
}

// New creates a Router that mutates registry.
func New(registry *presence.Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		states:   make(map[string]ConnState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state of connID. Connections that were never
// opened, or have been closed, report StateUnknown.
func (r *Router) State(connID string) ConnState {
	return r.states[connID]
}

// Registry returns the registry the router mutates.
func (r *Router) Registry() *presence.Registry {
	return r.registry
}

// Handle applies msg, received on connID, to the state machine. msg is one
// of Opened, Closed or a client event struct from the protocol package.
func (r *Router) Handle(connID string, msg interface{}) Outcome {
	state := r.states[connID]
	next, out := r.step(state, connID, msg)

	switch next {
	case StateUnknown, StateDisconnected:
		// Closed connections are forgotten: ids are never reused, and a late
		// frame for a forgotten id falls into the unknown branch below.
		delete(r.states, connID)
	default:
		r.states[connID] = next
	}
	return out
}

func (r *Router) step(state ConnState, connID string, msg interface{}) (ConnState, Outcome) {
	switch m := msg.(type) {
	case Opened:
		if state != StateUnknown {
			return state, Outcome{}
		}
		return StateConnected, Outcome{Effects: []Effect{{
			To:    Only(connID),
			Type:  protocol.TypeSessionCreated,
			Event: protocol.SessionCreatedMsg{ConnectionID: connID},
		}}}

	case Closed:
		return r.leave(state, connID)

	case protocol.JoinMsg:
		switch state {
		case StateUnknown:
			return state, rejected(ReasonUnknownConn, nil)
		case StateJoined:
			return state, rejected(ReasonAlreadyJoined, nil)
		}
		return r.join(state, connID, m.DisplayName)

	case protocol.MessageSendMsg:
		if state != StateJoined {
			return state, rejected(reasonFor(state), nil)
		}
		return r.sendMessage(state, connID, m.Text)

	case protocol.TypingMsg:
		if state != StateJoined {
			return state, rejected(reasonFor(state), nil)
		}
		p, err := r.registry.Lookup(connID)
		if err != nil {
			return state, rejected(ReasonNotJoined, err)
		}
		return state, Outcome{Effects: []Effect{{
			To:   AllExcept(connID),
			Type: protocol.TypeTypingChanged,
			Event: protocol.TypingChangedMsg{
				ConnectionID: connID,
				DisplayName:  p.DisplayName,
				IsTyping:     m.IsTyping,
			},
		}}}

	default:
		return state, rejected(ReasonUnsupported, nil)
	}
}

func (r *Router) join(state ConnState, connID, rawName string) (ConnState, Outcome) {
	p, count, err := r.registry.Join(connID, rawName)
	if err != nil {
		return state, rejected(ReasonInvalidName, err)
	}

	// The snapshot is taken after the join, so it already lists the joiner.
	snapshot := r.registry.Snapshot()
	infos := make([]protocol.ParticipantInfo, 0, len(snapshot))
	for _, sp := range snapshot {
		infos = append(infos, protocol.ParticipantInfo{
			ConnectionID: sp.ConnectionID,
			DisplayName:  sp.DisplayName,
		})
	}

	return StateJoined, Outcome{Effects: []Effect{
		{
			To:   All(),
			Type: protocol.TypePresenceJoined,
			Event: protocol.PresenceJoinedMsg{
				ConnectionID: p.ConnectionID,
				DisplayName:  p.DisplayName,
				TotalCount:   count,
			},
		},
		{
			To:    Only(connID),
			Type:  protocol.TypePresenceSnapshot,
			Event: protocol.PresenceSnapshotMsg{Participants: infos},
		},
	}}
}

func (r *Router) sendMessage(state ConnState, connID, rawText string) (ConnState, Outcome) {
	author, err := r.registry.Lookup(connID)
	if err != nil {
		return state, rejected(ReasonNotJoined, err)
	}
	text, err := NormalizeText(rawText)
	if err != nil {
		return state, rejected(ReasonInvalidText, err)
	}

	now := r.now()
	return state, Outcome{Effects: []Effect{{
		To:   All(),
		Type: protocol.TypeMessageReceived,
		Event: protocol.MessageReceivedMsg{
			ID:                 r.nextID(now),
			AuthorConnectionID: connID,
			AuthorDisplayName:  author.DisplayName,
			Text:               text,
			SentAt:             now.UTC(),
		},
	}}}
}

func (r *Router) leave(state ConnState, connID string) (ConnState, Outcome) {
	if state != StateJoined {
		return StateDisconnected, Outcome{}
	}

	p, count, err := r.registry.Leave(connID)
	if err != nil {
		return StateDisconnected, Outcome{}
	}
	return StateDisconnected, Outcome{Effects: []Effect{{
		To:   AllExcept(connID),
		Type: protocol.TypePresenceLeft,
		Event: protocol.PresenceLeftMsg{
			ConnectionID: p.ConnectionID,
			DisplayName:  p.DisplayName,
			TotalCount:   count,
		},
	}}}
}

// nextID derives a millisecond timestamp id that never repeats or goes
// backwards, even when the wall clock does.
func (r *Router) nextID(now time.Time) int64 {
	id := now.UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return id
}

func reasonFor(state ConnState) string {
	if state == StateUnknown {
		return ReasonUnknownConn
	}
	return ReasonNotJoined
}

func rejected(reason string, err error) Outcome {
	return Outcome{Rejected: reason, Err: err}
}
