package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lobby/chatroom/internal/config"
	"github.com/lobby/chatroom/internal/logging"
	"github.com/lobby/chatroom/internal/messaging"
	"github.com/lobby/chatroom/internal/moderation"
	"github.com/lobby/chatroom/internal/roster"
)

func main() {
	cfg, err := config.LoadMonitor(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatmonitor: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	logger.Info("room monitor starting", "nats_url", cfg.NATSURL, "redis_addr", cfg.RedisAddr)

	if cfg.RedisAddr != "" {
		printRoster(cfg.RedisAddr, logger)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.Name

	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}

	m := newMonitor(moderation.NewFilter(), natsClient, logger)
	if err := natsClient.SubscribeRoomEvents("", m.handle); err != nil {
		logger.Error("failed to subscribe to room events", "error", err)
		os.Exit(1)
	}
	logger.Info("room monitor running", "subject", messaging.SubjectAllEvents)

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down", "events_seen", m.seen.Load(), "flagged", m.flagged.Load())
	natsClient.Close()
}

// printRoster logs everyone currently in the room according to the Redis
// roster the chat servers maintain.
func printRoster(addr string, logger *slog.Logger) {
	client, err := roster.Connect(addr)
	if err != nil {
		logger.Warn("roster unavailable", "error", err)
		return
	}
	store := roster.NewStore(client, "")
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := store.List(ctx)
	if err != nil {
		logger.Warn("roster list failed", "error", err)
		return
	}

	logger.Info("room roster", "participants", len(entries))
	for _, e := range entries {
		logger.Info("participant",
			"conn", e.ConnectionID,
			"name", e.DisplayName,
			"server", e.Server,
			"joined_at", time.UnixMilli(e.JoinedAt).UTC().Format(time.RFC3339))
	}
}
