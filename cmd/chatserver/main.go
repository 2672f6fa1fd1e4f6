package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/lobby/chatroom/internal/config"
	"github.com/lobby/chatroom/internal/logging"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	logger.Info("chat server starting",
		"listen_addr", cfg.Addr(),
		"client_url", cfg.ClientURL,
		"environment", cfg.Environment,
		"server_name", cfg.ServerName,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL)

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Addr(), "error", err)
		os.Exit(1)
	}

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, ln); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
