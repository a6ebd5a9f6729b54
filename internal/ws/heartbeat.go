package ws

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/sirupsen/logrus"
)

// runHeartbeat sweeps the connections every PingInterval until shutdown.
func (s *Server) runHeartbeat() {
	if s.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				log.WithField("evicted", n).Info("heartbeat evicted idle connections")
			}
		}
	}
}

// sweep removes every connection silent for longer than PingInterval plus
// PongTimeout and pings the others. Browsers answer the protocol-level ping
// on their own, and any frame counts as activity. It returns the number of
// evicted connections.
func (s *Server) sweep(now time.Time) int {
	limit := s.config.PingInterval + s.config.PongTimeout
	evicted := 0

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastSeen())
		if idle > limit {
			log.WithFields(logrus.Fields{
				"conn": c.ID,
				"user": c.UserID,
				"idle": idle.Round(time.Second).String(),
			}).Debug("heartbeat timeout")
			s.RemoveConnection(c)
			evicted++
			continue
		}

		if err := c.writePing(); err != nil {
			log.WithError(err).WithField("conn", c.ID).Debug("heartbeat ping failed")
			s.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}

// writePing sends a protocol-level ping frame, serialized with the
// connection's other writes.
func (c *Connection) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
