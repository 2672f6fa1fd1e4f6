// Package messaging provides a NATS client wrapper for the room event feed.
// The chat server publishes every fanned-out event so that side services
// (moderation, auditing) can observe the room without touching delivery.
package messaging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/protocol"
)

// NATS subject patterns for the room event feed.
const (
	SubjectEvents    = "chatroom.events"   // + .<event type, ':' replaced by '.'>
	SubjectAllEvents = "chatroom.events.>" // wildcard matching every event
	SubjectFlagged   = "chatroom.moderation.flagged"

	// HeaderServer names the server instance that published an event.
	HeaderServer = "Chatroom-Server"
)

// EventSubject maps an event type such as "presence:joined" to its feed
// subject "chatroom.events.presence.joined".
func EventSubject(eventType string) string {
	return SubjectEvents + "." + strings.ReplaceAll(eventType, ":", ".")
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	name   string
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatroom",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		name:   config.Name,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes an encoded room event to its feed subject,
// tagged with this client's name.
func (c *NATSClient) PublishRoomEvent(eventType string, data []byte) error {
	msg := nats.NewMsg(EventSubject(eventType))
	msg.Header.Set(HeaderServer, c.name)
	msg.Data = data
	return c.conn.PublishMsg(msg)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeRoomEvents subscribes to the feed subject for eventType, or to
// every event when eventType is empty. The handler receives the event type,
// the publishing server and the encoded event.
func (c *NATSClient) SubscribeRoomEvents(eventType string, handler func(eventType, server string, data []byte)) error {
	subject := SubjectAllEvents
	if eventType != "" {
		subject = EventSubject(eventType)
	}
	return c.Subscribe(subject, func(msg *nats.Msg) {
		typ := strings.ReplaceAll(strings.TrimPrefix(msg.Subject, SubjectEvents+"."), ".", ":")
		handler(typ, msg.Header.Get(HeaderServer), msg.Data)
	})
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", "error", err)
	}

	c.logger.Info("client closed")
}

// FeedObserver publishes delivered room broadcasts to the feed. Effects
// addressed to a single connection stay off it.
type FeedObserver struct {
	client *NATSClient
	logger *slog.Logger
}

var _ hub.Observer = (*FeedObserver)(nil)

// NewFeedObserver returns a hub.Observer publishing through client.
func NewFeedObserver(client *NATSClient) *FeedObserver {
	return &FeedObserver{client: client, logger: client.logger}
}

// Delivered implements hub.Observer.
func (f *FeedObserver) Delivered(d hub.Delivery) {
	if !onFeed(d.Effect.Type) {
		return
	}
	if err := f.client.PublishRoomEvent(d.Effect.Type, d.Data); err != nil {
		f.logger.Warn("publish room event failed", "type", d.Effect.Type, "error", err)
	}
}

// Rejected implements hub.Observer.
func (f *FeedObserver) Rejected(string, string) {}

// onFeed reports whether events of eventType are published to the feed.
// The session:created handshake and the joiner's private presence snapshot
// are not.
func onFeed(eventType string) bool {
	switch eventType {
	case protocol.TypeSessionCreated, protocol.TypePresenceSnapshot:
		return false
	}
	return true
}
