// Package presence holds the authoritative record of who is in the chat room.
// The Registry maps live connection ids to the Participant that joined on
// them and remembers join order for snapshots.
package presence

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxNameChars is the longest display name accepted, counted in runes after
// trimming.
const MaxNameChars = 20

var (
	ErrEmptyName   = errors.New("presence: display name is empty")
	ErrNameTooLong = errors.New("presence: display name exceeds 20 characters")
	ErrInvalidName = errors.New("presence: display name contains invalid UTF-8")
	ErrNotFound    = errors.New("presence: connection has not joined")
)

// Participant is one joined connection.
type Participant struct {
	ConnectionID string
	DisplayName  string
	JoinedAt     time.Time
}

// NormalizeName trims raw and checks it against the display name rules.
func NormalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrEmptyName
	}
	if !utf8.ValidString(name) {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(name) > MaxNameChars {
		return "", ErrNameTooLong
	}
	return name, nil
}

// Registry is the connection id -> Participant table. Join, Leave, Lookup and
// Snapshot are its whole surface; callers are expected to mutate it from one
// goroutine. The lock only makes concurrent reads (Count for health checks
// and metrics) safe and is never held beyond a single operation.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Participant
	order []string // connection ids in join order
	now   func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Participant),
		now:  time.Now,
	}
}

// Join registers connID under the trimmed rawName and returns the new
// Participant with the resulting participant count. An invalid name leaves
// the registry untouched. Joining an already joined connection overwrites
// its Participant in place without changing its join position.
func (r *Registry) Join(connID, rawName string) (Participant, int, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Participant{}, r.Count(), err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Participant{
		ConnectionID: connID,
		DisplayName:  name,
		JoinedAt:     r.now(),
	}
	if _, ok := r.byID[connID]; !ok {
		r.order = append(r.order, connID)
	}
	r.byID[connID] = p
	return *p, len(r.byID), nil
}

// Leave removes connID and returns the Participant it held with the
// remaining count. Leaving a connection that never joined returns
// ErrNotFound and changes nothing.
func (r *Registry) Leave(connID string) (Participant, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[connID]
	if !ok {
		return Participant{}, len(r.byID), ErrNotFound
	}
	delete(r.byID, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *p, len(r.byID), nil
}

// Lookup returns the Participant joined on connID.
func (r *Registry) Lookup(connID string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[connID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

// Snapshot returns every current Participant in join order.
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Count returns the number of joined connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}
