package ws

import "time"

type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no frame read within Interval + Timeout. Eviction is a disconnect. The
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
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info("heartbeat timeout", "conn", c.ID, "user", c.UserID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			server.log.Info("heartbeat ping failed", "conn", c.ID, "err", err)
			server.RemoveConnection(c)
		}
	}
}
