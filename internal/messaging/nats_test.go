package messaging

import (
	"testing"
	"time"

	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/router"
)

func TestEventSubject(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{protocol.TypePresenceJoined, "chatroom.events.presence.joined"},
		{protocol.TypeMessageReceived, "chatroom.events.message.received"},
		{protocol.TypeTypingChanged, "chatroom.events.typing.changed"},
		{"custom", "chatroom.events.custom"},
	}
	for _, tt := range tests {
		if got := EventSubject(tt.eventType); got != tt.want {
			t.Errorf("EventSubject(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

// newTestClient connects to a local NATS server. Tests that call this helper
// require a running NATS on localhost:4222.
func newTestClient(t *testing.T, name string) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = name
	config.MaxReconnects = 0
	nc, err := NewNATSClient(config, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type feedEvent struct {
	eventType string
	server    string
	data      string
}

func TestFeedObserverPublishesRoomEvents(t *testing.T) {
	pub := newTestClient(t, "test-server-1")
	sub := newTestClient(t, "test-monitor")

	got := make(chan feedEvent, 4)
	if err := sub.SubscribeRoomEvents("", func(eventType, server string, data []byte) {
		got <- feedEvent{eventType, server, string(data)}
	}); err != nil {
		t.Fatalf("SubscribeRoomEvents() error: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	feed := NewFeedObserver(pub)
	feed.Delivered(hub.Delivery{
		Effect: router.Effect{Type: protocol.TypeSessionCreated, To: router.Only("c1")},
		Data:   []byte(`{"type":"session:created"}`),
	})
	feed.Delivered(hub.Delivery{
		Effect: router.Effect{Type: protocol.TypePresenceSnapshot, To: router.Only("c1")},
		Data:   []byte(`{"type":"presence:snapshot","participants":[]}`),
	})
	feed.Delivered(hub.Delivery{
		Effect: router.Effect{Type: protocol.TypeMessageReceived, To: router.All()},
		Data:   []byte(`{"type":"message:received","text":"hi"}`),
	})
	if err := pub.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	select {
	case ev := <-got:
		if ev.eventType != protocol.TypeMessageReceived {
			t.Errorf("event type = %q, want %q", ev.eventType, protocol.TypeMessageReceived)
		}
		if ev.server != "test-server-1" {
			t.Errorf("server = %q, want test-server-1", ev.server)
		}
		if ev.data != `{"type":"message:received","text":"hi"}` {
			t.Errorf("unexpected payload %s", ev.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
	}

	select {
	case ev := <-got:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOnFeed(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{protocol.TypeSessionCreated, false},
		{protocol.TypePresenceSnapshot, false},
		{protocol.TypePresenceJoined, true},
		{protocol.TypePresenceLeft, true},
		{protocol.TypeMessageReceived, true},
		{protocol.TypeTypingChanged, true},
	}
	for _, tt := range tests {
		if got := onFeed(tt.eventType); got != tt.want {
			t.Errorf("onFeed(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}
