package main

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby/chatroom/internal/logging"
	"github.com/lobby/chatroom/internal/messaging"
	"github.com/lobby/chatroom/internal/moderation"
	"github.com/lobby/chatroom/internal/protocol"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func newTestMonitor(pub publisher) *monitor {
	m := newMonitor(moderation.NewFilter(), pub, logging.NewWithWriter(io.Discard, "text", "error"))
	m.now = func() time.Time { return time.UnixMilli(42) }
	return m
}

func event(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	require.NoError(t, err)
	return data
}

func TestMonitorFlagsSpamMessage(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMonitor(pub)

	m.handle(protocol.TypeMessageReceived, "chat-1", event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID: 7, AuthorConnectionID: "c1", AuthorDisplayName: "Bob",
		Text: "free bitcoin at https://example.com",
	}))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, messaging.SubjectFlagged, pub.msgs[0].subject)

	var f moderation.Flag
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &f))
	assert.Equal(t, moderation.Flag{
		ConnectionID: "c1",
		DisplayName:  "Bob",
		MessageID:    7,
		Text:         "free bitcoin at https://example.com",
		Reason:       moderation.ReasonKeyword,
		Term:         "free bitcoin",
		Server:       "chat-1",
		FlaggedAt:    42,
	}, f)
	assert.Equal(t, int64(1), m.flagged.Load())
}

func TestMonitorFlagsDisplayName(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMonitor(pub)

	m.handle(protocol.TypePresenceJoined, "chat-1", event(t, protocol.TypePresenceJoined, protocol.PresenceJoinedMsg{
		ConnectionID: "c2", DisplayName: "click here", TotalCount: 2,
	}))

	require.Len(t, pub.msgs, 1)
	var f moderation.Flag
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &f))
	assert.Equal(t, "c2", f.ConnectionID)
	assert.Zero(t, f.MessageID)
	assert.Equal(t, moderation.ReasonKeyword, f.Reason)
}

func TestMonitorIgnoresCleanAndOtherEvents(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMonitor(pub)

	m.handle(protocol.TypeMessageReceived, "chat-1", event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID: 1, AuthorConnectionID: "c1", AuthorDisplayName: "Ann", Text: "hello everyone",
	}))
	m.handle(protocol.TypePresenceJoined, "chat-1", event(t, protocol.TypePresenceJoined, protocol.PresenceJoinedMsg{
		ConnectionID: "c1", DisplayName: "Ann", TotalCount: 1,
	}))
	m.handle(protocol.TypeTypingChanged, "chat-1", event(t, protocol.TypeTypingChanged, protocol.TypingChangedMsg{
		ConnectionID: "c1", DisplayName: "Ann", IsTyping: true,
	}))
	m.handle("garbage", "chat-1", []byte("not json"))

	assert.Empty(t, pub.msgs)
	assert.Equal(t, int64(4), m.seen.Load())
	assert.Zero(t, m.flagged.Load())
}

func TestMonitorReportsRuleDetail(t *testing.T) {
	pub := &fakePublisher{}
	m := newTestMonitor(pub)

	m.handle(protocol.TypeMessageReceived, "chat-1", event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID: 3, AuthorConnectionID: "c1", AuthorDisplayName: "Bob", Text: "see evil.com/free",
	}))

	require.Len(t, pub.msgs, 1)
	var f moderation.Flag
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &f))
	assert.Equal(t, moderation.ReasonSpam, f.Reason)
	assert.Equal(t, "url", f.Term)
	assert.NotEmpty(t, f.Detail)
}

func TestMonitorSurvivesPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	m := newTestMonitor(pub)

	m.handle(protocol.TypeMessageReceived, "chat-1", event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID: 1, AuthorConnectionID: "c1", AuthorDisplayName: "Ann", Text: "call 555-123-4567 now",
	}))

	assert.Equal(t, int64(1), m.flagged.Load())
}
