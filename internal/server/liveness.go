package server

import (
	"fmt"
	"log/slog"
	"time"

	"pexeso/internal/game"
	"pexeso/internal/protocol"
)

const (
	heartbeatInterval = 1 * time.Second
	reaperInterval    = 5 * time.Second
)

// heartbeatLoop pings quiet clients. Wakes every second so a ping goes
// out soon after the wait interval elapses.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pingSweep(s.now())
		}
	}
}

func (s *Server) pingSweep(now time.Time) {
	for _, c := range s.clients.Snapshot() {
		if !c.duePing(now, s.cfg.PongWaitInterval()) {
			continue
		}
		if err := c.Send(protocol.RespPing); err != nil {
			slog.Debug("ping send failed", "client_id", c.ID(), "err", err)
			continue
		}
		c.pingSent(now)
	}
}

// reaperLoop enforces the liveness timeouts and expires reconnect
// windows.
func (s *Server) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reapSweep(s.now())
		}
	}
}

func (s *Server) reapSweep(now time.Time) {
	for _, c := range s.clients.Snapshot() {
		if c.isDisconnected() {
			if now.Sub(c.disconnectedAt()) > s.cfg.ReconnectTimeout() {
				s.expire(c)
			}
			continue
		}
		if !c.authenticated() || !c.transportOpen() {
			continue
		}

		if c.pongOverdue(now, s.cfg.PongTimeout()) {
			slog.Warn("pong timeout, opening reconnect window",
				"client_id", c.ID(), "nick", c.Nickname())
			c.markPending(now)
			continue
		}

		if c.inactiveFor(now) > s.cfg.InactivityTimeout() {
			slog.Warn("inactivity timeout, closing connection",
				"client_id", c.ID(), "nick", c.Nickname(), "idle", c.inactiveFor(now))
			c.closeTransport()
		}
	}
}

// expire retires a client whose reconnect window has run out. The
// registry arbitrates the race against RECONNECT: the record is claimed
// out of the registry under the rooms lock, the same lock the reconnect
// swap runs under, so exactly one of the two paths touches the room. A
// reaper that committed to the expiry before losing the swap finds the
// record gone and backs off.
func (s *Server) expire(c *Client) {
	rr := s.rooms
	rr.mu.Lock()
	if s.clients.FindByID(c.ID()) != c {
		rr.mu.Unlock()
		slog.Debug("expiry superseded by reconnect", "client_id", c.ID())
		return
	}
	s.clients.Remove(c)

	slog.Warn("reconnect window expired", "client_id", c.ID(), "nick", c.Nickname())
	s.retireLocked(c)
	rr.mu.Unlock()

	s.metrics.ConnectedClients.Dec()
}

// retireLocked settles the retired client's room. With enough players
// left the game continues without them; otherwise the room cascade
// settles the game by forfeit. Callers hold rooms.mu and have already
// removed the record from the client registry.
func (s *Server) retireLocked(c *Client) {
	rr := s.rooms
	room := c.Room()
	if room == nil {
		return
	}

	g := room.game
	if g != nil && g.State() == game.StatePlaying && room.memberCount(c) >= game.MinPlayers {
		rr.broadcastLocked(room, fmt.Sprintf("%s %s %s Game continues",
			protocol.RespPlayerDisconnected, c.Nickname(), protocol.DisconnectRemoved), c)
		if err := rr.removePlayerLocked(room, c); err != nil {
			slog.Error("room removal failed", "client_id", c.ID(), "err", err)
		}
		return
	}

	rr.broadcastLocked(room, fmt.Sprintf("%s %s %s",
		protocol.RespPlayerDisconnected, c.Nickname(), protocol.DisconnectLong), c)
	if err := rr.removePlayerLocked(room, c); err != nil {
		slog.Debug("room removal failed", "client_id", c.ID(), "err", err)
	}
}
