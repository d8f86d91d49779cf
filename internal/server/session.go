package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"pexeso/internal/game"
	"pexeso/internal/protocol"
)

// session is the per-connection state machine. It owns the socket read
// loop, dispatches commands against the client's current state, and
// runs the disconnect policy when the loop exits.
type session struct {
	srv     *Server
	client  *Client
	conn    net.Conn
	limiter *rate.Limiter
}

func newSession(srv *Server, c *Client, conn net.Conn) *session {
	return &session{
		srv:     srv,
		client:  c,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.CommandRate), srv.cfg.CommandBurst),
	}
}

func (s *session) run() {
	c := s.client
	slog.Info("session started", "client_id", c.ID(), "remote", s.conn.RemoteAddr())

	lr := protocol.NewLineReader(s.conn)
	for {
		line, err := lr.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			slog.Warn("oversized line dropped", "client_id", c.ID())
			if c.addError() >= s.srv.cfg.MaxErrorCount {
				slog.Error("max error count reached", "client_id", c.ID())
				c.closeTransport()
			}
			continue
		}
		if err != nil {
			break
		}
		if line == "" {
			continue
		}

		c.touch(s.srv.now())

		if !s.limiter.Allow() {
			s.countedError(protocol.ErrInvalidCommand, "Command rate exceeded")
			continue
		}

		s.dispatch(line)
	}

	s.disconnect()
}

func (s *session) dispatch(line string) {
	cmd, params := protocol.SplitCommand(line)

	if cmd != protocol.CmdPong {
		slog.Debug("command received", "client_id", s.client.ID(), "line", line)
	}

	switch cmd {
	case protocol.CmdHello:
		s.metricCommand(cmd)
		s.handleHello(params)
	case protocol.CmdReconnect:
		s.metricCommand(cmd)
		s.handleReconnect(params)
	case protocol.CmdListRooms:
		s.metricCommand(cmd)
		s.handleListRooms()
	case protocol.CmdCreateRoom:
		s.metricCommand(cmd)
		s.handleCreateRoom(params)
	case protocol.CmdJoinRoom:
		s.metricCommand(cmd)
		s.handleJoinRoom(params)
	case protocol.CmdLeaveRoom:
		s.metricCommand(cmd)
		s.handleLeaveRoom()
	case protocol.CmdStartGame:
		s.metricCommand(cmd)
		s.handleStartGame()
	case protocol.CmdReady:
		s.metricCommand(cmd)
		s.handleReady()
	case protocol.CmdFlip:
		s.metricCommand(cmd)
		s.handleFlip(params)
	case protocol.CmdPong:
		s.metricCommand(cmd)
		s.client.pongReceived(s.srv.now())
	default:
		s.srv.metrics.Commands.WithLabelValues("unknown").Inc()
		s.countedError(protocol.ErrInvalidCommand, cmd)
	}
}

func (s *session) metricCommand(cmd string) {
	s.srv.metrics.Commands.WithLabelValues(cmd).Inc()
}

// countedError emits an ERROR line and charges it against the client's
// error budget; at the limit the transport is closed.
func (s *session) countedError(code, detail string) {
	c := s.client
	if err := c.Send(protocol.ErrorLine(code, detail)); err != nil {
		slog.Debug("error send failed", "client_id", c.ID(), "err", err)
	}
	s.srv.metrics.ProtocolErrors.WithLabelValues(code).Inc()

	count := c.addError()
	slog.Warn("protocol error", "client_id", c.ID(), "nick", c.Nickname(),
		"code", code, "count", count, "max", s.srv.cfg.MaxErrorCount)

	if count >= s.srv.cfg.MaxErrorCount {
		slog.Error("max error count reached, closing connection", "client_id", c.ID())
		c.closeTransport()
	}
}

// reject emits an ERROR line for a logical rejection without touching
// the error budget.
func (s *session) reject(code, detail string) {
	if err := s.client.Send(protocol.ErrorLine(code, detail)); err != nil {
		slog.Debug("error send failed", "client_id", s.client.ID(), "err", err)
	}
	s.srv.metrics.ProtocolErrors.WithLabelValues(code).Inc()
}

func (s *session) handleHello(params string) {
	c := s.client
	if c.State() != StateConnected {
		s.reject(protocol.ErrAlreadyAuthenticated, "Already authenticated")
		return
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		s.reject(protocol.ErrInvalidParams, "Nickname required")
		return
	}
	nick := fields[0]
	if len(nick) > protocol.MaxNickLength {
		nick = nick[:protocol.MaxNickLength]
	}

	c.setNickname(nick)
	c.setState(StateInLobby)
	if err := c.Send(fmt.Sprintf("%s %d", protocol.RespWelcome, c.ID())); err != nil {
		slog.Debug("welcome send failed", "client_id", c.ID(), "err", err)
	}
	slog.Info("client authenticated", "client_id", c.ID(), "nick", nick)
}

func (s *session) handleListRooms() {
	c := s.client
	if !c.authenticated() {
		s.reject(protocol.ErrNotAuthenticated, "Not authenticated")
		return
	}
	if err := c.Send(s.srv.rooms.ListMessage()); err != nil {
		slog.Debug("room list send failed", "client_id", c.ID(), "err", err)
	}
}

func (s *session) handleCreateRoom(params string) {
	c := s.client
	if !c.authenticated() {
		s.reject(protocol.ErrNotAuthenticated, "Not authenticated")
		return
	}
	if c.Room() != nil {
		s.reject(protocol.ErrAlreadyInRoom, "Already in a room")
		return
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		s.reject(protocol.ErrInvalidParams, "Room name required")
		return
	}
	name := fields[0]
	if len(name) > protocol.MaxRoomNameLen {
		name = name[:protocol.MaxRoomNameLen]
	}

	maxPlayers, boardSize := 4, 4
	var err error
	if len(fields) >= 2 {
		maxPlayers, err = strconv.Atoi(fields[1])
		if err != nil {
			s.reject(protocol.ErrInvalidParams, "Invalid format")
			return
		}
	}
	if len(fields) >= 3 {
		boardSize, err = strconv.Atoi(fields[2])
		if err != nil {
			s.reject(protocol.ErrInvalidParams, "Invalid format")
			return
		}
	}

	if maxPlayers < game.MinPlayers || maxPlayers > game.MaxPlayers {
		s.reject(protocol.ErrInvalidParams, fmt.Sprintf("Max players must be 2-%d", game.MaxPlayers))
		return
	}
	if boardSize < game.MinBoardSize || boardSize > game.MaxBoardSize || boardSize%2 != 0 {
		s.reject(protocol.ErrInvalidParams, "Board size must be 4, 6, or 8")
		return
	}

	room, err := s.srv.rooms.Create(name, maxPlayers, boardSize, c)
	if err != nil {
		s.reject(protocol.ErrRoomLimit, "Room limit reached")
		return
	}

	if err := c.Send(fmt.Sprintf("%s %d %s", protocol.RespRoomCreated, room.ID, room.Name)); err != nil {
		slog.Debug("room created send failed", "client_id", c.ID(), "err", err)
	}
}

func (s *session) handleJoinRoom(params string) {
	c := s.client
	if !c.authenticated() {
		s.reject(protocol.ErrNotAuthenticated, "Not authenticated")
		return
	}
	if c.Room() != nil {
		s.reject(protocol.ErrAlreadyInRoom, "Already in a room")
		return
	}
	if params == "" {
		s.reject(protocol.ErrInvalidParams, "Room ID required")
		return
	}

	id, err := strconv.ParseInt(strings.Fields(params)[0], 10, 64)
	if err != nil || id <= 0 {
		s.reject(protocol.ErrInvalidParams, "Invalid room ID")
		return
	}

	room := s.srv.rooms.FindByID(id)
	if room == nil {
		s.reject(protocol.ErrRoomNotFound, "Room not found")
		return
	}

	if err := s.srv.rooms.AddPlayer(room, c); err != nil {
		s.reject(protocol.ErrRoomFull, "Room is full")
		return
	}

	if err := c.Send(fmt.Sprintf("%s %d %s", protocol.RespRoomJoined, room.ID, room.Name)); err != nil {
		slog.Debug("room joined send failed", "client_id", c.ID(), "err", err)
	}
	s.srv.rooms.Broadcast(room, protocol.RespPlayerJoined+" "+c.Nickname())
}

func (s *session) handleLeaveRoom() {
	c := s.client
	room := c.Room()
	if room == nil {
		s.reject(protocol.ErrNotInRoom, "Not in a room")
		return
	}

	id := room.ID
	if err := s.srv.rooms.RemovePlayer(room, c); err != nil {
		s.reject(protocol.ErrNotInRoom, "Not in a room")
		return
	}

	if err := c.Send(protocol.RespLeftRoom); err != nil {
		slog.Debug("left room send failed", "client_id", c.ID(), "err", err)
	}

	// The removal cascade may have destroyed the room already.
	if r := s.srv.rooms.FindByID(id); r != nil {
		s.srv.rooms.Broadcast(r, protocol.RespPlayerLeft+" "+c.Nickname())
	}
}

func (s *session) handleStartGame() {
	c := s.client
	rr := s.srv.rooms
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room := c.Room()
	if room == nil {
		s.reject(protocol.ErrNotInRoom, "Not in a room")
		return
	}
	if room.owner != c {
		s.reject(protocol.ErrNotRoomOwner, "Only room owner can start game")
		return
	}
	if room.game != nil {
		s.reject(protocol.ErrInvalidCommand, "Game already started")
		return
	}
	if room.count < room.MaxPlayers {
		s.reject(protocol.ErrNeedMorePlayers,
			fmt.Sprintf("Need %d players (currently %d)", room.MaxPlayers, room.count))
		return
	}

	players := make([]game.Player, 0, room.count)
	for _, p := range room.players {
		if p != nil {
			players = append(players, p)
		}
	}

	g, err := game.New(room.BoardSize, players, s.srv.rng)
	if err != nil {
		slog.Error("game creation failed", "room_id", room.ID, "err", err)
		s.reject(protocol.ErrInvalidCommand, "Failed to create game")
		return
	}

	room.game = g
	s.srv.metrics.ActiveGames.Inc()

	rr.broadcastLocked(room, fmt.Sprintf("%s %d Send READY when you are prepared to play",
		protocol.RespGameCreated, room.BoardSize), nil)
	slog.Info("game created", "room_id", room.ID, "board_size", room.BoardSize,
		"players", room.count, "owner", c.Nickname())
}

func (s *session) handleReady() {
	c := s.client
	rr := s.srv.rooms
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room := c.Room()
	if room == nil {
		s.reject(protocol.ErrNotInRoom, "Not in a room")
		return
	}
	if room.game == nil {
		s.reject(protocol.ErrGameNotStarted, "Game not started")
		return
	}

	if err := room.game.PlayerReady(c); err != nil {
		s.reject(protocol.ErrInvalidCommand, "Already ready or game already started")
		return
	}

	if err := c.Send(protocol.RespReadyOK); err != nil {
		slog.Debug("ready ok send failed", "client_id", c.ID(), "err", err)
	}
	rr.broadcastLocked(room, protocol.RespPlayerReady+" "+c.Nickname(), nil)
	slog.Info("player ready", "client_id", c.ID(), "nick", c.Nickname(), "room_id", room.ID)

	if !room.game.AllReady() {
		return
	}

	if err := room.game.Start(); err != nil {
		slog.Error("game start failed", "room_id", room.ID, "err", err)
		return
	}
	room.state = RoomPlaying
	for _, p := range room.players {
		if p != nil {
			p.setState(StateInGame)
		}
	}

	rr.broadcastLocked(room, room.game.StartMessage(), nil)
	if first, ok := room.game.CurrentPlayer().(*Client); ok {
		if err := first.Send(protocol.RespYourTurn); err != nil {
			slog.Debug("your turn send failed", "client_id", first.ID(), "err", err)
		}
		slog.Info("game started", "room_id", room.ID, "first_turn", first.Nickname())
	}
}

func (s *session) handleFlip(params string) {
	c := s.client
	rr := s.srv.rooms
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room := c.Room()
	if room == nil {
		s.countedError(protocol.ErrNotInRoom, "Not in a room")
		return
	}
	g := room.game
	if g == nil {
		s.countedError(protocol.ErrGameNotStarted, "Game not started")
		return
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		s.countedError(protocol.ErrInvalidSyntax, "Card index required")
		return
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		s.countedError(protocol.ErrInvalidSyntax, "Card index must be a number")
		return
	}

	switch err := g.FlipCard(c, index); {
	case errors.Is(err, game.ErrIndexOutOfRange):
		s.countedError(protocol.ErrInvalidMove,
			fmt.Sprintf("Card index out of bounds (0-%d)", g.TotalCards()-1))
		return
	case errors.Is(err, game.ErrNotYourTurn):
		s.reject(protocol.ErrNotYourTurn, "Not your turn")
		return
	case errors.Is(err, game.ErrNotPlaying):
		s.countedError(protocol.ErrGameNotStarted, "Game not started")
		return
	case err != nil:
		s.countedError(protocol.ErrInvalidCard, "Cannot flip that card")
		return
	}

	rr.broadcastLocked(room, fmt.Sprintf("%s %d %d %s",
		protocol.RespCardReveal, index, g.CardValue(index), c.Nickname()), nil)
	slog.Info("card flipped", "room_id", room.ID, "nick", c.Nickname(),
		"index", index, "value", g.CardValue(index))

	if g.FlipsThisTurn() != 2 {
		return
	}

	if g.CheckMatch() {
		rr.broadcastLocked(room, fmt.Sprintf("%s %s %d",
			protocol.RespMatch, c.Nickname(), g.ScoreOf(c)), nil)
		if g.IsFinished() {
			s.finishGameLocked(room)
			return
		}
		if err := c.Send(protocol.RespYourTurn); err != nil {
			slog.Debug("your turn send failed", "client_id", c.ID(), "err", err)
		}
		return
	}

	next, ok := g.CurrentPlayer().(*Client)
	if !ok {
		rr.broadcastLocked(room, protocol.RespMismatch, nil)
		return
	}
	rr.broadcastLocked(room, protocol.RespMismatch+" "+next.Nickname(), nil)
	if err := next.Send(protocol.RespYourTurn); err != nil {
		slog.Debug("your turn send failed", "client_id", next.ID(), "err", err)
	}
	slog.Info("turn passed", "room_id", room.ID, "next", next.Nickname())
}

// finishGameLocked announces the winners and retires the room; every
// player returns to the lobby.
func (s *session) finishGameLocked(room *Room) {
	winners := room.game.Winners()

	var b strings.Builder
	b.WriteString(protocol.RespGameEnd)
	for _, w := range winners {
		fmt.Fprintf(&b, " %s %d", w.Player.Nickname(), w.Score)
	}
	s.srv.rooms.broadcastLocked(room, b.String(), nil)
	slog.Info("game finished", "room_id", room.ID, "winners", len(winners))

	room.game = nil
	room.state = RoomFinished
	s.srv.metrics.ActiveGames.Dec()
	s.srv.rooms.destroyLocked(room)
}

func (s *session) handleReconnect(params string) {
	c := s.client
	metrics := s.srv.metrics

	if c.State() != StateConnected {
		s.reject(protocol.ErrAlreadyAuthenticated, "Already authenticated")
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		s.reject(protocol.ErrInvalidParams, "Missing client ID")
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return
	}
	oldID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || oldID <= 0 {
		s.reject(protocol.ErrInvalidParams, "Invalid client ID")
		metrics.Reconnects.WithLabelValues("rejected").Inc()
		return
	}

	old := s.srv.clients.FindByID(oldID)
	if old == nil || old == c {
		s.reject(protocol.ErrInvalidParams, "Client not found or session expired")
		metrics.Reconnects.WithLabelValues("unknown_id").Inc()
		return
	}
	if !old.isDisconnected() {
		s.reject(protocol.ErrInvalidParams, "Client is already connected")
		metrics.Reconnects.WithLabelValues("still_live").Inc()
		return
	}

	now := s.srv.now()
	if now.Sub(old.disconnectedAt()) > s.srv.cfg.ReconnectTimeout() {
		s.reject(protocol.ErrInvalidParams, "Session expired")
		metrics.Reconnects.WithLabelValues("expired").Inc()
		return
	}

	rr := s.srv.rooms
	rr.mu.Lock()

	// The registry swap is the single point where reconnect and expiry
	// race; whichever finds the old record present wins.
	if err := s.srv.clients.Replace(old, c); err != nil {
		rr.mu.Unlock()
		s.reject(protocol.ErrInvalidParams, "Client not found or session expired")
		metrics.Reconnects.WithLabelValues("expired").Inc()
		return
	}

	c.adoptIdentity(old.ID(), old.Nickname(), now)
	old.closeTransport()

	room := old.Room()
	newState := StateInLobby
	if room != nil {
		n := 0
		for i, p := range room.players {
			if p == old {
				room.players[i] = c
				n++
			}
		}
		if n > 1 {
			slog.Error("client occupied multiple room slots", "client_id", c.ID(), "room_id", room.ID, "slots", n)
		}
		if room.owner == old {
			room.owner = c
		}

		newState = StateInRoom
		if room.game != nil {
			gn := room.game.ReplacePlayer(old, c)
			if gn > 1 {
				slog.Error("client occupied multiple game seats", "client_id", c.ID(), "room_id", room.ID, "seats", gn)
			}
			if room.game.State() == game.StatePlaying {
				newState = StateInGame
			}
		}
		c.setRoom(room)
		old.setRoom(nil)
	}
	c.setState(newState)

	if err := c.Send(fmt.Sprintf("%s %d Reconnected successfully", protocol.RespWelcome, c.ID())); err != nil {
		slog.Debug("welcome send failed", "client_id", c.ID(), "err", err)
	}

	if room != nil {
		rr.broadcastLocked(room, protocol.RespPlayerReconnected+" "+c.Nickname(), c)

		switch {
		case room.game != nil && room.game.State() == game.StatePlaying:
			c.Send(room.game.StateMessage())
			if room.game.CurrentPlayer() == game.Player(c) {
				c.Send(protocol.RespYourTurn)
			}
		case room.game != nil:
			c.Send(fmt.Sprintf("%s %d %s", protocol.RespRoomJoined, room.ID, room.Name))
			c.Send(fmt.Sprintf("%s %d Send READY when you are prepared to play",
				protocol.RespGameCreated, room.BoardSize))
		default:
			c.Send(fmt.Sprintf("%s %d %s", protocol.RespRoomJoined, room.ID, room.Name))
		}
	}
	rr.mu.Unlock()

	metrics.Reconnects.WithLabelValues("success").Inc()
	slog.Info("reconnection successful", "client_id", c.ID(), "nick", c.Nickname())
}

// disconnect runs the teardown policy after the read loop exits. A
// client in a running game always enters the reconnect window; the
// reaper decides at expiry whether the game continues without them or
// ends by forfeit. Everyone else is cleaned up immediately.
func (s *session) disconnect() {
	c := s.client
	if s.srv.shuttingDown() {
		slog.Info("session exiting during shutdown", "client_id", c.ID())
		c.dropTransport()
		return
	}

	rr := s.srv.rooms
	rr.mu.Lock()
	room := c.Room()
	if room != nil && room.game != nil && room.game.State() == game.StatePlaying {
		// Hold the seat open and wait for a reconnect. markPending
		// keeps the original disconnect time when the reaper already
		// opened the window.
		c.markPending(s.srv.now())
		rr.broadcastLocked(room, fmt.Sprintf("%s %s %s Waiting for reconnect (up to %d seconds)...",
			protocol.RespPlayerDisconnected, c.Nickname(), protocol.DisconnectShort,
			int(s.srv.cfg.ReconnectTimeout().Seconds())), c)
		rr.mu.Unlock()
		slog.Info("in-game disconnect, reconnect window open",
			"client_id", c.ID(), "nick", c.Nickname(), "room_id", room.ID)
		return
	}
	rr.mu.Unlock()

	if c.isDisconnected() {
		// Already pending; the reaper owns expiry. A pending client
		// outside a game gives up its room seat now.
		if room != nil {
			if err := rr.RemovePlayer(room, c); err != nil {
				slog.Debug("room removal failed", "client_id", c.ID(), "err", err)
			}
		}
		return
	}

	slog.Info("client disconnected", "client_id", c.ID(), "nick", c.Nickname())
	if room != nil {
		if err := rr.RemovePlayer(room, c); err != nil {
			slog.Debug("room removal failed", "client_id", c.ID(), "err", err)
		}
	}
	s.srv.clients.Remove(c)
	s.srv.metrics.ConnectedClients.Dec()
	c.closeTransport()
}
