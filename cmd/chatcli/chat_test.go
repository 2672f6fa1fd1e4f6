package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby/chatroom/internal/client"
	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/roomstate"
)

type fakeSession struct {
	mu        sync.Mutex
	sent      []string
	typing    []bool
	joins     []string
	connects  int
	closed    bool
	sendError error
}

func (f *fakeSession) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSession) Join(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, name)
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendError != nil {
		return f.sendError
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) SetTyping(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, on)
	return nil
}

// lockedBuffer lets the test read output written by the loop goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestChat() (*chat, *fakeSession, *roomstate.State, *lockedBuffer) {
	fs := &fakeSession{}
	state := roomstate.New()
	out := &lockedBuffer{}
	typist := roomstate.NewTypist(fs, time.Hour, nil)
	return newChat(fs, state, typist, "Ann", out), fs, state, out
}

func TestRenderRoomEvents(t *testing.T) {
	c, _, _, out := newTestChat()

	c.render(client.Event{Type: client.EventOpened})
	c.render(client.Event{Type: protocol.TypePresenceSnapshot, Msg: protocol.PresenceSnapshotMsg{
		Participants: []protocol.ParticipantInfo{{ConnectionID: "a", DisplayName: "Ann"}, {ConnectionID: "b", DisplayName: "Bob"}},
	}})
	c.render(client.Event{Type: protocol.TypePresenceJoined, Msg: protocol.PresenceJoinedMsg{DisplayName: "Cy", TotalCount: 3}})
	c.render(client.Event{Type: protocol.TypeTypingChanged, Msg: protocol.TypingChangedMsg{DisplayName: "Bob", IsTyping: true}})
	c.render(client.Event{Type: protocol.TypeTypingChanged, Msg: protocol.TypingChangedMsg{DisplayName: "Bob", IsTyping: false}})
	c.render(client.Event{Type: protocol.TypeMessageReceived, Msg: protocol.MessageReceivedMsg{
		AuthorDisplayName: "Bob", Text: "hi", SentAt: time.Now(),
	}})
	c.render(client.Event{Type: protocol.TypePresenceLeft, Msg: protocol.PresenceLeftMsg{DisplayName: "Cy", TotalCount: 2}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "* 2 online: Ann, Bob", lines[0])
	assert.Equal(t, "* Cy joined the chat (3 online)", lines[1])
	assert.Equal(t, "* Bob is typing...", lines[2])
	assert.True(t, strings.HasSuffix(lines[3], "] Bob: hi"), lines[3])
	assert.Equal(t, "* Cy left the chat (2 online)", lines[4])
}

func TestRenderConnectionLifecycle(t *testing.T) {
	c, _, _, out := newTestChat()

	c.render(client.Event{Type: client.EventOpened})
	assert.Empty(t, out.String())

	c.render(client.Event{Type: client.EventClosed, Err: errors.New("eof")})
	c.render(client.Event{Type: client.EventOpened})
	c.render(client.Event{Type: client.EventClosed, Err: errors.New("eof")})
	c.render(client.Event{Type: client.EventExhausted})
	c.render(client.Event{Type: client.EventClosed, Manual: true})

	assert.Equal(t, strings.Join([]string{
		"* connection lost, reconnecting...",
		"* reconnected; /rejoin to join as Ann again",
		"* connection lost, reconnecting...",
		"* could not reconnect; /reconnect to try again or /quit",
	}, "\n")+"\n", out.String())
}

func TestHandleLineCommands(t *testing.T) {
	c, fs, state, out := newTestChat()
	ctx := context.Background()
	state.Apply(protocol.PresenceSnapshotMsg{Participants: []protocol.ParticipantInfo{{ConnectionID: "a", DisplayName: "Ann"}}})
	state.Apply(protocol.TypingChangedMsg{ConnectionID: "b", DisplayName: "Bob", IsTyping: true})

	assert.False(t, c.handleLine(ctx, "  hello  "))
	assert.False(t, c.handleLine(ctx, "   "))
	assert.False(t, c.handleLine(ctx, "/who"))
	assert.False(t, c.handleLine(ctx, "/rejoin"))
	assert.False(t, c.handleLine(ctx, "/reconnect"))
	assert.True(t, c.handleLine(ctx, "/quit"))

	assert.Equal(t, []string{"hello"}, fs.sent)
	assert.Equal(t, []bool{false}, fs.typing)
	assert.Equal(t, []string{"Ann"}, fs.joins)
	assert.Equal(t, 1, fs.connects)
	assert.Contains(t, out.String(), "* 1 online: Ann\n* typing: Bob\n")
}

func TestSendFailureIsReported(t *testing.T) {
	c, fs, _, out := newTestChat()
	fs.sendError = client.ErrNotConnected

	c.handleLine(context.Background(), "hello")
	assert.Contains(t, out.String(), "* not sent: client: not connected")
}

func TestLoopSendsLinesAndQuits(t *testing.T) {
	c, fs, _, _ := newTestChat()

	err := c.loop(context.Background(), strings.NewReader("hi there\n/quit\nnever sent\n"))
	require.NoError(t, err)
	c.quit()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"hi there"}, fs.sent)
	// One rising edge from the keystrokes, then the forced false on send.
	assert.Equal(t, []bool{true, false}, fs.typing)
	assert.True(t, fs.closed)
}

func TestLoopEndsOnEOF(t *testing.T) {
	c, fs, _, _ := newTestChat()

	require.NoError(t, c.loop(context.Background(), strings.NewReader("last words\n")))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"last words"}, fs.sent)
}
