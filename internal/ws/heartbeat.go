package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and evicts those that have been silent for longer than
// Interval + Timeout. Eviction goes through RemoveConnection, so the room
// sees a timed-out participant leave exactly like a closed one. The
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastSeen())
		if idle > deadline {
			server.logger.Info("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol-level pings automatically; the pong is
		// a frame like any other and refreshes LastSeen on the read path.
		if err := c.WritePing(config.Timeout); err != nil {
			server.logger.Debug("heartbeat ping failed", "conn", c.ID, "error", err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket ping frame (opcode 0x9) on the connection,
// giving up after timeout.
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeWithDeadline(timeout, func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}
