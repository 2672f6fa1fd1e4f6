package main

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lobby/chatroom/internal/messaging"
	"github.com/lobby/chatroom/internal/moderation"
	"github.com/lobby/chatroom/internal/protocol"
)

// publisher is the part of messaging.NATSClient the monitor needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// monitor screens room events from the feed and publishes a Flag for every
// chat message or display name the filter trips on.
type monitor struct {
	filter *moderation.Filter
	pub    publisher
	logger *slog.Logger
	now    func() time.Time

	seen    atomic.Int64
	flagged atomic.Int64
}

func newMonitor(filter *moderation.Filter, pub publisher, logger *slog.Logger) *monitor {
	return &monitor{
		filter: filter,
		pub:    pub,
		logger: logger.With("component", "monitor"),
		now:    time.Now,
	}
}

// handle is the messaging.NATSClient.SubscribeRoomEvents callback.
func (m *monitor) handle(eventType, server string, data []byte) {
	m.seen.Add(1)

	_, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		m.logger.Warn("unreadable feed event", "type", eventType, "server", server, "error", err)
		return
	}

	switch ev := msg.(type) {
	case protocol.MessageReceivedMsg:
		if res := m.filter.Check(ev.Text); res.Flagged {
			m.flag(res, moderation.Flag{
				ConnectionID: ev.AuthorConnectionID,
				DisplayName:  ev.AuthorDisplayName,
				MessageID:    ev.ID,
				Text:         ev.Text,
				Server:       server,
			})
		}
	case protocol.PresenceJoinedMsg:
		if res := m.filter.CheckName(ev.DisplayName); res.Flagged {
			m.flag(res, moderation.Flag{
				ConnectionID: ev.ConnectionID,
				DisplayName:  ev.DisplayName,
				Text:         ev.DisplayName,
				Server:       server,
			})
		}
	}
}

func (m *monitor) flag(res moderation.Result, f moderation.Flag) {
	m.flagged.Add(1)
	f.Reason = res.Reason
	f.Term = res.Term
	f.Detail = res.Detail
	f.FlaggedAt = m.now().UnixMilli()

	m.logger.Warn("FLAGGED",
		"conn", f.ConnectionID,
		"name", f.DisplayName,
		"message_id", f.MessageID,
		"server", f.Server,
		"reason", f.Reason,
		"term", f.Term,
		"detail", f.Detail)

	data, err := json.Marshal(f)
	if err != nil {
		m.logger.Error("failed to marshal flag", "error", err)
		return
	}
	if err := m.pub.Publish(messaging.SubjectFlagged, data); err != nil {
		m.logger.Warn("failed to publish flag", "error", err)
	}
}
