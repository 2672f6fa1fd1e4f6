package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby/chatroom/internal/protocol"
)

// echoRoom is a minimal room: join answers with a snapshot and every
// message is broadcast to all joined connections.
type echoRoom struct {
	mu     sync.Mutex
	seq    int
	joined map[net.Conn]string
	msgID  int64
}

func (e *echoRoom) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()

	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("conn-%d", e.seq)
	hello, _ := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{ConnectionID: id})
	_ = wsutil.WriteServerMessage(conn, ws.OpText, hello)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.joined, conn)
		e.mu.Unlock()
	}()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		_, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			continue
		}

		e.mu.Lock()
		switch m := msg.(type) {
		case protocol.JoinMsg:
			e.joined[conn] = m.DisplayName
			snap, _ := protocol.NewServerMessage(protocol.TypePresenceSnapshot, protocol.PresenceSnapshotMsg{
				Participants: []protocol.ParticipantInfo{{ConnectionID: id, DisplayName: m.DisplayName}},
			})
			_ = wsutil.WriteServerMessage(conn, ws.OpText, snap)
		case protocol.MessageSendMsg:
			e.msgID++
			out, _ := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
				ID:                 e.msgID,
				AuthorConnectionID: id,
				AuthorDisplayName:  e.joined[conn],
				Text:               m.Text,
				SentAt:             time.Now(),
			})
			for c := range e.joined {
				_ = wsutil.WriteServerMessage(c, ws.OpText, out)
			}
		}
		e.mu.Unlock()
	}
}

func TestRunLoadAgainstEchoRoom(t *testing.T) {
	room := &echoRoom{joined: make(map[net.Conn]string)}
	srv := httptest.NewServer(room)
	defer srv.Close()

	o := loadOptions{
		url:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		clients:     3,
		messages:    2,
		interval:    5 * time.Millisecond,
		ramp:        10 * time.Millisecond,
		concurrency: 2,
		drain:       200 * time.Millisecond,
	}

	var out strings.Builder
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, runLoad(context.Background(), o, logger, &out))

	report := out.String()
	assert.Contains(t, report, "3/3 joined")
	assert.Contains(t, report, "Sent:         6")
	assert.Contains(t, report, "Errors:       0")
	assert.Contains(t, report, "--- Broadcast Echo Latency ---")
	assert.NotContains(t, report, "Server Metrics")
}

func TestRunLoadReportsUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	o := loadOptions{url: "ws://" + addr + "/ws", clients: 2, messages: 1, ramp: time.Millisecond, concurrency: 2}

	var out strings.Builder
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, runLoad(context.Background(), o, logger, &out))
	assert.Contains(t, out.String(), "0/2 joined")
	assert.Contains(t, out.String(), "Errors:       2")
}

func TestRunLoadRejectsNoClients(t *testing.T) {
	err := runLoad(context.Background(), loadOptions{}, slog.Default(), io.Discard)
	assert.Error(t, err)
}
