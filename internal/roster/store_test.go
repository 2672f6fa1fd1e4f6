package roster

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/router"
)

// newTestStore creates a Store connected to a local Redis instance and
// clears the roster keys before and after the test. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T, server string) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, ParticipantPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Del(ctx, RosterKey)
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client, server)
}

func TestAddListRemove(t *testing.T) {
	store := newTestStore(t, "test-server")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Add(ctx, "test_bob", "Bob", base.Add(time.Second)); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := store.Add(ctx, "test_ann", "Ann", base); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].DisplayName != "Ann" || entries[1].DisplayName != "Bob" {
		t.Errorf("expected join order [Ann Bob], got [%s %s]", entries[0].DisplayName, entries[1].DisplayName)
	}
	if entries[0].Server != "test-server" {
		t.Errorf("server = %q, want test-server", entries[0].Server)
	}
	if entries[0].JoinedAt != base.UnixMilli() {
		t.Errorf("joined_at = %d, want %d", entries[0].JoinedAt, base.UnixMilli())
	}

	if err := store.Remove(ctx, "test_ann"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := store.Remove(ctx, "test_ann"); err != nil {
		t.Fatalf("second Remove() error: %v", err)
	}

	entries, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || entries[0].ConnectionID != "test_bob" {
		t.Errorf("expected only test_bob, got %+v", entries)
	}
}

func TestListDropsExpiredEntries(t *testing.T) {
	store := newTestStore(t, "test-server")
	ctx := context.Background()

	if err := store.Add(ctx, "test_gone", "Gone", time.Now()); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	store.client.Del(ctx, ParticipantPrefix+"test_gone")

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %+v", entries)
	}
	if n := store.client.ZCard(ctx, RosterKey).Val(); n != 0 {
		t.Errorf("expected stale id removed from roster set, %d left", n)
	}
}

func TestPurgeOnlyTouchesOwnServer(t *testing.T) {
	mine := newTestStore(t, "test-a")
	other := NewStore(mine.client, "test-b")
	ctx := context.Background()

	now := time.Now()
	_ = mine.Add(ctx, "test_1", "One", now)
	_ = mine.Add(ctx, "test_2", "Two", now.Add(time.Millisecond))
	_ = other.Add(ctx, "test_3", "Three", now.Add(2*time.Millisecond))

	n, err := mine.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d entries, want 2", n)
	}

	entries, _ := mine.List(ctx)
	if len(entries) != 1 || entries[0].Server != "test-b" {
		t.Errorf("expected only test-b entry left, got %+v", entries)
	}
}

func TestMirrorAppliesPresenceChanges(t *testing.T) {
	store := newTestStore(t, "test-server")
	m := NewMirror(store, nil, 8)

	m.Delivered(hub.Delivery{Effect: router.Effect{
		Type:  protocol.TypePresenceJoined,
		Event: protocol.PresenceJoinedMsg{ConnectionID: "test_ann", DisplayName: "Ann", TotalCount: 1},
	}})
	m.Delivered(hub.Delivery{Effect: router.Effect{
		Type:  protocol.TypePresenceJoined,
		Event: protocol.PresenceJoinedMsg{ConnectionID: "test_bob", DisplayName: "Bob", TotalCount: 2},
	}})
	m.Delivered(hub.Delivery{Effect: router.Effect{
		Type:  protocol.TypePresenceLeft,
		Event: protocol.PresenceLeftMsg{ConnectionID: "test_ann", DisplayName: "Ann", TotalCount: 1},
	}})
	// Non-presence events are ignored.
	m.Delivered(hub.Delivery{Effect: router.Effect{
		Type:  protocol.TypeMessageReceived,
		Event: protocol.MessageReceivedMsg{Text: "hi"},
	}})

	// Cancelling first makes Run drain the queue and return.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || entries[0].DisplayName != "Bob" {
		t.Errorf("expected only Bob mirrored, got %+v", entries)
	}
}

func TestMirrorDropsWhenQueueFull(t *testing.T) {
	m := NewMirror(nil, nil, 1)
	joined := hub.Delivery{Effect: router.Effect{
		Type:  protocol.TypePresenceJoined,
		Event: protocol.PresenceJoinedMsg{ConnectionID: "a", DisplayName: "A"},
	}}

	m.Delivered(joined)
	m.Delivered(joined)

	if got := len(m.ops); got != 1 {
		t.Errorf("queued %d ops, want 1", got)
	}
}
