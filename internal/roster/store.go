// Package roster mirrors the room's participants into Redis so that tools
// outside the chat server can see who is online. The in-process Registry
// stays the only authority; the mirror is best effort.
package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ParticipantPrefix is the Redis key prefix for participant hashes.
	ParticipantPrefix = "chatroom:participant:"

	// RosterKey is the sorted set of participant ids scored by join time.
	RosterKey = "chatroom:roster"

	// ParticipantTTL bounds how long an entry outlives a crashed server.
	ParticipantTTL = 24 * time.Hour
)

// Entry is one mirrored participant.
type Entry struct {
	ConnectionID string `redis:"connection_id"`
	DisplayName  string `redis:"display_name"`
	Server       string `redis:"server"`    // which chat server instance
	JoinedAt     int64  `redis:"joined_at"` // unix millis
}

// Store reads and writes the mirrored roster.
type Store struct {
	client     *redis.Client
	serverName string
}

// Connect opens a Redis client for addr and verifies the connection.
func Connect(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("roster: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a Store writing entries on behalf of serverName.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Add records a participant.
func (s *Store) Add(ctx context.Context, connID, displayName string, joinedAt time.Time) error {
	key := ParticipantPrefix + connID
	ms := joinedAt.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"connection_id": connID,
		"display_name":  displayName,
		"server":        s.serverName,
		"joined_at":     ms,
	})
	pipe.Expire(ctx, key, ParticipantTTL)
	pipe.ZAdd(ctx, RosterKey, redis.Z{Score: float64(ms), Member: connID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roster: add %s: %w", connID, err)
	}
	return nil
}

// Remove deletes a participant. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, connID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ParticipantPrefix+connID)
	pipe.ZRem(ctx, RosterKey, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roster: remove %s: %w", connID, err)
	}
	return nil
}

// List returns every mirrored participant in join order. Ids whose hash
// has expired are dropped from the set as a side effect.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.ZRange(ctx, RosterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, ParticipantPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("roster: list: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		var e Entry
		if err := cmd.Scan(&e); err != nil {
			return nil, fmt.Errorf("roster: scan %s: %w", ids[i], err)
		}
		if e.ConnectionID == "" {
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, e)
	}

	if len(stale) > 0 {
		s.client.ZRem(ctx, RosterKey, stale...)
	}
	return entries, nil
}

// Purge removes every entry written by this server, typically left over
// from a previous run. It returns the number of entries removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.Server != s.serverName {
			continue
		}
		if err := s.Remove(ctx, e.ConnectionID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
