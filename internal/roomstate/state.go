// Package roomstate is the client's local view of the room: who is present,
// the message transcript and who is typing. It has no authority of its own
// and is rebuilt entirely from the events a client.Session delivers.
package roomstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/lobby/chatroom/internal/client"
	"github.com/lobby/chatroom/internal/protocol"
)

// Kind distinguishes chat messages from locally synthesized notices.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// Message is one transcript entry. Author fields are empty for system
// messages.
type Message struct {
	ID                 int64
	Kind               Kind
	AuthorConnectionID string
	AuthorDisplayName  string
	Text               string
	SentAt             time.Time
}

// User is one participant as seen by this client.
type User struct {
	ConnectionID string
	DisplayName  string
}

// Option configures a State.
type Option func(*State)

// WithTranscriptSize bounds the number of messages retained.
func WithTranscriptSize(n int) Option {
	return func(s *State) { s.transcript = newTranscript(n) }
}

// WithClock sets the time source for system messages.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// State folds inbound events into a user list, a transcript and a typing
// set. It is safe for concurrent use: Handle runs on the session goroutine
// while a UI reads from its own.
type State struct {
	mu         sync.RWMutex
	users      []User
	typing     []User
	transcript *transcript
	lastID     int64
	now        func() time.Time
}

// New creates an empty State.
func New(opts ...Option) *State {
	s := &State{
		transcript: newTranscript(DefaultTranscriptSize),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle is a client.Handler. A manual close clears everything; a transport
// loss clears presence and typing but keeps the transcript until the room
// is rejoined.
func (s *State) Handle(ev client.Event) {
	switch ev.Type {
	case client.EventClosed:
		if ev.Manual {
			s.Reset()
		} else {
			s.ResetPresence()
		}
	case client.EventOpened, client.EventExhausted:
	default:
		s.Apply(ev.Msg)
	}
}

// Apply folds one parsed server event into the state. Events it does not
// know are ignored.
func (s *State) Apply(msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m := msg.(type) {
	case protocol.PresenceSnapshotMsg:
		s.users = make([]User, 0, len(m.Participants))
		for _, p := range m.Participants {
			s.users = append(s.users, User{ConnectionID: p.ConnectionID, DisplayName: p.DisplayName})
		}

	case protocol.PresenceJoinedMsg:
		if indexOf(s.users, m.ConnectionID) >= 0 {
			return
		}
		s.users = append(s.users, User{ConnectionID: m.ConnectionID, DisplayName: m.DisplayName})
		s.system(fmt.Sprintf("%s joined the chat", m.DisplayName))

	case protocol.PresenceLeftMsg:
		s.users = without(s.users, m.ConnectionID)
		s.typing = without(s.typing, m.ConnectionID)
		s.system(fmt.Sprintf("%s left the chat", m.DisplayName))

	case protocol.MessageReceivedMsg:
		s.transcript.add(Message{
			ID:                 m.ID,
			Kind:               KindChat,
			AuthorConnectionID: m.AuthorConnectionID,
			AuthorDisplayName:  m.AuthorDisplayName,
			Text:               m.Text,
			SentAt:             m.SentAt,
		})
		if m.ID > s.lastID {
			s.lastID = m.ID
		}

	case protocol.TypingChangedMsg:
		if !m.IsTyping {
			s.typing = without(s.typing, m.ConnectionID)
			return
		}
		if i := indexOf(s.typing, m.ConnectionID); i >= 0 {
			s.typing[i].DisplayName = m.DisplayName
			return
		}
		s.typing = append(s.typing, User{ConnectionID: m.ConnectionID, DisplayName: m.DisplayName})
	}
}

// Reset empties the state.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = nil
	s.typing = nil
	s.transcript.clear()
}

// ResetPresence empties the user list and typing set.
func (s *State) ResetPresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = nil
	s.typing = nil
}

// Users returns the participants in the order they became known.
func (s *State) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]User(nil), s.users...)
}

// Transcript returns the retained messages oldest first.
func (s *State) Transcript() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.list()
}

// Typing returns the participants currently shown as typing.
func (s *State) Typing() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]User(nil), s.typing...)
}

// system appends a notice. Its id follows the same millisecond scheme as
// server ids so it sorts between the chat messages around it.
func (s *State) system(text string) {
	now := s.now()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	s.transcript.add(Message{ID: id, Kind: KindSystem, Text: text, SentAt: now})
}

func indexOf(users []User, connID string) int {
	for i, u := range users {
		if u.ConnectionID == connID {
			return i
		}
	}
	return -1
}

func without(users []User, connID string) []User {
	i := indexOf(users, connID)
	if i < 0 {
		return users
	}
	return append(users[:i:i], users[i+1:]...)
}
