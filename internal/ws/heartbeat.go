package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max time to wait for activity after a ping
}

// DefaultHeartbeatConfig returns the defaults for heartbeat monitoring.
// A mid-call participant whose network dies must be detected within this
// window so their peer is released back to the pool.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat runs a background goroutine that periodically sends
// protocol-level ping frames to all connections and evicts those with no
// activity within Interval + Timeout. The goroutine exits when the server's
// done channel closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections evicts connections with no successful read within
// Interval + Timeout and pings the rest. Eviction goes through
// RemoveConnection, so the disconnect handler fires and the participant's
// room is torn down like any other disconnect.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastSeen) > deadline {
			log.Printf("ws: heartbeat timeout participant=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastSeen).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically, so any live peer
		// refreshes LastSeen before the next sweep.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed participant=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
