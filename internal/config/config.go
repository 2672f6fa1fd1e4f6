// Package config loads the chat server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the chat server configuration.
type Config struct {
	Port        int    `env:"PORT" envDefault:"3001"`
	ListenAddr  string `env:"LISTEN_ADDR"` // overrides PORT when set
	ClientURL   string `env:"CLIENT_URL" envDefault:"http://localhost:3000"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServerName  string `env:"SERVER_NAME"`

	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	HubQueueSize      int           `env:"HUB_QUEUE_SIZE" envDefault:"1024"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	RedisAddr string `env:"REDIS_ADDR"` // empty disables the roster mirror
	NATSURL   string `env:"NATS_URL"`   // empty disables the event feed

	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Addr returns the address to listen on.
func (c Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return fmt.Sprintf(":%d", c.Port)
}

// Monitor is the room monitor configuration.
type Monitor struct {
	Name      string `env:"MONITOR_NAME" envDefault:"chatroom-monitor"`
	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr string `env:"REDIS_ADDR"` // empty skips the roster listing
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadMonitor reads dotenvFiles like Load and parses the environment into a
// Monitor config.
func LoadMonitor(dotenvFiles ...string) (Monitor, error) {
	if err := loadDotenv(dotenvFiles); err != nil {
		return Monitor{}, err
	}
	var cfg Monitor
	if err := env.Parse(&cfg); err != nil {
		return Monitor{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.NATSURL == "" {
		return Monitor{}, errors.New("config: NATS_URL is required")
	}
	return cfg, nil
}

func loadDotenv(files []string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads dotenvFiles (missing files are skipped; values already in the
// environment win) and parses the environment into a Config.
func Load(dotenvFiles ...string) (Config, error) {
	if err := loadDotenv(dotenvFiles); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "" && (c.Port <= 0 || c.Port > 65535):
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive")
	case c.MaxConnections <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive")
	case c.SendQueueSize <= 0:
		return fmt.Errorf("config: SEND_QUEUE_SIZE must be positive")
	case c.HubQueueSize <= 0:
		return fmt.Errorf("config: HUB_QUEUE_SIZE must be positive")
	}
	return nil
}
