package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/lobby/chatroom/internal/config"
	"github.com/lobby/chatroom/internal/hub"
	"github.com/lobby/chatroom/internal/messaging"
	"github.com/lobby/chatroom/internal/metrics"
	"github.com/lobby/chatroom/internal/presence"
	"github.com/lobby/chatroom/internal/protocol"
	"github.com/lobby/chatroom/internal/roster"
	"github.com/lobby/chatroom/internal/router"
	"github.com/lobby/chatroom/internal/ws"
)

// app is one chat server process: transport, hub and the optional Redis
// roster mirror and NATS event feed.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	registry *presence.Registry
	hub      *hub.Hub
	server   *ws.Server

	roster *roster.Store
	mirror *roster.Mirror
	feed   *messaging.NATSClient
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	registry := presence.NewRegistry()
	h := hub.New(router.New(registry), nil, logger, cfg.HubQueueSize)
	h.AddObserver(metrics.HubObserver{})

	dispatcher := ws.NewMessageDispatcher(nil, logger)
	dispatcher.OnReject(func(reason string) {
		metrics.EventsRejected.WithLabelValues(reason).Inc()
	})

	// join, message:send and typing all go through the hub so that the
	// router sees every connection's events in arrival order.
	submit := func(conn *ws.Connection, msg interface{}) {
		if err := h.Submit(conn.ID, msg); err != nil {
			logger.Debug("event not submitted", "conn", conn.ID, "error", err)
		}
	}
	dispatcher.Register(protocol.TypeJoin, submit)
	dispatcher.Register(protocol.TypeMessageSend, submit)
	dispatcher.Register(protocol.TypeTyping, submit)

	server := ws.NewServer(serverConfig(cfg), logger, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	h.SetTransport(server)

	server.SetOnConnect(func(connID string) {
		metrics.ConnectionsTotal.Inc()
		h.Opened(connID)
	})
	server.SetOnDisconnect(func(connID string) {
		metrics.ConnectionsTotal.Dec()
		h.Closed(connID)
	})
	server.SetParticipantCounter(registry.Count)
	server.Handle("/metrics", metrics.Handler())

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		hub:      h,
		server:   server,
	}

	// --- Redis roster ---
	if cfg.RedisAddr != "" {
		client, err := roster.Connect(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.roster = roster.NewStore(client, cfg.ServerName)
		a.mirror = roster.NewMirror(a.roster, logger, cfg.HubQueueSize)
		h.AddObserver(a.mirror)
	}

	// --- NATS ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		client, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			if a.roster != nil {
				_ = a.roster.Close()
			}
			return nil, fmt.Errorf("event feed: %w", err)
		}
		a.feed = client
		h.AddObserver(messaging.NewFeedObserver(client))
	}

	return a, nil
}

func serverConfig(cfg config.Config) ws.ServerConfig {
	c := ws.DefaultServerConfig()
	c.ListenAddr = cfg.Addr()
	c.AllowedOrigin = cfg.ClientURL
	c.Environment = cfg.Environment
	c.WorkerPoolSize = cfg.WorkerPoolSize
	c.MaxConnections = cfg.MaxConnections
	c.SendQueueSize = cfg.SendQueueSize
	c.ReadTimeout = cfg.ReadTimeout
	c.WriteTimeout = cfg.WriteTimeout
	c.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}
	return c
}

// run serves on ln until ctx is cancelled or the listener fails, then shuts
// down in dependency order: transport first so every connection's leave
// still flows through the hub, then the hub, then its observers.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	mirrorDone := make(chan struct{})
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	if a.mirror != nil {
		// Entries left behind by a previous run of this server are stale.
		if n, err := a.roster.Purge(ctx); err != nil {
			a.logger.Warn("roster purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("purged stale roster entries", "count", n)
		}
		go func() {
			defer close(mirrorDone)
			a.mirror.Run(mirrorCtx)
		}()
	} else {
		close(mirrorDone)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("transport shutdown", "error", serr)
	}

	stopHub()
	<-a.hub.Done()
	stopMirror()
	<-mirrorDone

	if a.feed != nil {
		a.feed.Close()
	}
	if a.roster != nil {
		if cerr := a.roster.Close(); cerr != nil {
			a.logger.Warn("roster close", "error", cerr)
		}
	}
	a.logger.Info("server stopped")
	return err
}
