// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the chat server. Every event is a JSON object with
// a "type" discriminator and its payload fields at the top level.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin        = "join"
	TypeMessageSend = "message:send"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated   = "session:created"
	TypePresenceSnapshot = "presence:snapshot"
	TypePresenceJoined   = "presence:joined"
	TypePresenceLeft     = "presence:left"
	TypeMessageReceived  = "message:received"
	TypeTypingChanged    = "typing:changed"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinMsg asks the server to register the connection under a display name.
type JoinMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
}

// MessageSendMsg carries one chat utterance from the client.
type MessageSendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingMsg reports whether the client's user is composing a message.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells a freshly upgraded connection its own id.
type SessionCreatedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// ParticipantInfo is one entry of a presence snapshot.
type ParticipantInfo struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// PresenceSnapshotMsg is sent privately to a joining connection and lists
// every participant in join order, the joiner included.
type PresenceSnapshotMsg struct {
	Type         string            `json:"type"`
	Participants []ParticipantInfo `json:"participants"`
}

// PresenceJoinedMsg announces a new participant to every connection.
type PresenceJoinedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	TotalCount   int    `json:"totalCount"`
}

// PresenceLeftMsg announces that a participant's connection terminated.
// Receivers also stop showing the participant as typing.
type PresenceLeftMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	TotalCount   int    `json:"totalCount"`
}

// MessageReceivedMsg is a chat message fanned out to every connection.
type MessageReceivedMsg struct {
	Type               string    `json:"type"`
	ID                 int64     `json:"id"`
	AuthorConnectionID string    `json:"authorConnectionId"`
	AuthorDisplayName  string    `json:"authorDisplayName"`
	Text               string    `json:"text"`
	SentAt             time.Time `json:"sentAt"`
}

// TypingChangedMsg relays a participant's typing state to everyone else.
type TypingChangedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	IsTyping     bool   `json:"isTyping"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. Unknown or server-only types are an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSend:
		var m MessageSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionCreated:
		var m SessionCreatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceSnapshot:
		var m PresenceSnapshotMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceJoined:
		var m PresenceJoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePresenceLeft:
		var m PresenceLeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageReceived:
		var m MessageReceivedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingChanged:
		var m TypingChangedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected under the "type" key regardless of what the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded client intent.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
