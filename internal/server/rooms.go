package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"pexeso/internal/game"
	"pexeso/internal/protocol"
)

var (
	ErrNoRoomSlots   = errors.New("server: room limit reached")
	ErrRoomIsFull    = errors.New("server: room is full")
	ErrAlreadySeated = errors.New("server: client already in this room")
	ErrNotMember     = errors.New("server: client not in this room")
)

type RoomState int32

const (
	RoomWaiting RoomState = iota
	RoomPlaying
	RoomFinished
)

func (s RoomState) String() string {
	switch s {
	case RoomWaiting:
		return "WAITING"
	case RoomPlaying:
		return "PLAYING"
	case RoomFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Room is one lobby room. ID and configuration are immutable; the
// mutable fields (membership, owner, state, game) are guarded by the
// room registry's mutex, never by a per-room lock.
type Room struct {
	ID         int64
	Name       string
	MaxPlayers int
	BoardSize  int

	players []*Client
	count   int
	owner   *Client
	state   RoomState
	game    *game.Game
}

// memberCount counts occupied slots, optionally excluding one client.
func (r *Room) memberCount(except *Client) int {
	n := 0
	for _, p := range r.players {
		if p != nil && p != except {
			n++
		}
	}
	return n
}

func (r *Room) members() []*Client {
	out := make([]*Client, 0, r.count)
	for _, p := range r.players {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Rooms owns every room and serializes all room and game mutations
// behind one mutex. Broadcasts from mutation paths go through the
// locked variants; sends carry a short write deadline so no slow peer
// can hold the registry.
type Rooms struct {
	mu      sync.Mutex
	slots   []*Room
	nextID  int64
	metrics *Metrics
}

func NewRooms(maxRooms int, metrics *Metrics) *Rooms {
	return &Rooms{
		slots:   make([]*Room, maxRooms),
		metrics: metrics,
	}
}

// Create validates the configuration, seats the owner and registers the
// room. The owner moves to IN_ROOM.
func (rr *Rooms) Create(name string, maxPlayers, boardSize int, owner *Client) (*Room, error) {
	if maxPlayers < game.MinPlayers || maxPlayers > game.MaxPlayers {
		return nil, fmt.Errorf("server: invalid max players %d", maxPlayers)
	}
	if boardSize < game.MinBoardSize || boardSize > game.MaxBoardSize || boardSize%2 != 0 {
		return nil, fmt.Errorf("server: invalid board size %d", boardSize)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	free := -1
	for i, r := range rr.slots {
		if r == nil {
			free = i
			break
		}
	}
	if free == -1 {
		return nil, ErrNoRoomSlots
	}

	rr.nextID++
	room := &Room{
		ID:         rr.nextID,
		Name:       name,
		MaxPlayers: maxPlayers,
		BoardSize:  boardSize,
		players:    make([]*Client, maxPlayers),
		owner:      owner,
		state:      RoomWaiting,
	}
	room.players[0] = owner
	room.count = 1
	owner.setRoom(room)
	owner.setState(StateInRoom)

	rr.slots[free] = room
	rr.metrics.ActiveRooms.Inc()

	slog.Info("room created", "room_id", room.ID, "name", room.Name,
		"max_players", maxPlayers, "board_size", boardSize, "owner", owner.Nickname())
	return room, nil
}

func (rr *Rooms) FindByID(id int64) *Room {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for _, r := range rr.slots {
		if r != nil && r.ID == id {
			return r
		}
	}
	return nil
}

// ListMessage renders the lobby listing. FINISHED rooms are omitted.
func (rr *Rooms) ListMessage() string {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var entries []string
	for _, r := range rr.slots {
		if r == nil || r.state == RoomFinished {
			continue
		}
		entries = append(entries, fmt.Sprintf("%d %s %d %d %s %d",
			r.ID, r.Name, r.count, r.MaxPlayers, r.state, r.BoardSize))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", protocol.RespRoomList, len(entries))
	for _, e := range entries {
		b.WriteByte(' ')
		b.WriteString(e)
	}
	return b.String()
}

func (rr *Rooms) AddPlayer(room *Room, c *Client) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if room.count >= room.MaxPlayers {
		return ErrRoomIsFull
	}
	for _, p := range room.players {
		if p == c {
			return ErrAlreadySeated
		}
	}
	for i, p := range room.players {
		if p == nil {
			room.players[i] = c
			room.count++
			c.setRoom(room)
			c.setState(StateInRoom)
			slog.Info("client joined room", "client_id", c.ID(), "nick", c.Nickname(), "room_id", room.ID)
			return nil
		}
	}
	return ErrRoomIsFull
}

// RemovePlayer takes the client out of the room and runs the removal
// cascade: forfeit payout when a game can no longer continue, ownership
// transfer when the owner leaves, ghost-room destruction when only
// reconnect-pending members remain, and destruction on emptiness.
func (rr *Rooms) RemovePlayer(room *Room, c *Client) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.removePlayerLocked(room, c)
}

func (rr *Rooms) removePlayerLocked(room *Room, c *Client) error {
	idx := -1
	for i, p := range room.players {
		if p == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotMember
	}

	wasOwner := room.owner == c
	room.players[idx] = nil
	room.count--
	c.setRoom(nil)
	if !c.isDisconnected() {
		c.setState(StateInLobby)
	}
	slog.Info("client left room", "client_id", c.ID(), "nick", c.Nickname(),
		"room_id", room.ID, "was_owner", wasOwner, "remaining", room.count)

	// Too few players to continue a game: pay out the unmatched pairs
	// and close the room.
	if room.game != nil && room.count < game.MinPlayers {
		rr.forfeitLocked(room, c)
		return nil
	}

	// A leaver from a running game surrenders the seat; if it was their
	// turn the next seat takes over.
	if room.game != nil && room.game.State() == game.StatePlaying {
		wasTurn := room.game.CurrentPlayer() == game.Player(c)
		if err := room.game.RemovePlayer(c); err == nil && wasTurn {
			if next, ok := room.game.CurrentPlayer().(*Client); ok {
				if err := next.Send(protocol.RespYourTurn); err != nil {
					slog.Debug("your turn send failed", "client_id", next.ID(), "err", err)
				}
			}
		}
	}

	if wasOwner && room.count > 0 {
		promoted := false
		for _, p := range room.players {
			if p != nil && !p.isDisconnected() {
				room.owner = p
				promoted = true
				slog.Info("room ownership transferred", "room_id", room.ID, "new_owner", p.Nickname())
				rr.broadcastLocked(room, protocol.RespRoomOwnerChanged+" "+p.Nickname(), nil)
				break
			}
		}
		if !promoted {
			// Every remaining member is waiting on a reconnect that may
			// never come; the room cannot elect an owner.
			slog.Info("room closing, owner left with no connected members", "room_id", room.ID)
			rr.broadcastLocked(room, protocol.RespRoomClosed+" Owner left", nil)
			rr.destroyLocked(room)
			return nil
		}
	}

	if room.count == 0 {
		rr.destroyLocked(room)
	}
	return nil
}

// forfeitLocked ends the game in favor of the highest-scoring
// survivors, announces the final standings and closes the room.
func (rr *Rooms) forfeitLocked(room *Room, leaver *Client) {
	standings := room.game.Forfeit(leaver)

	var b strings.Builder
	b.WriteString(protocol.RespGameEndForfeit)
	for _, st := range standings {
		fmt.Fprintf(&b, " %s %d", st.Player.Nickname(), st.Score)
	}
	rr.broadcastLocked(room, b.String(), nil)

	slog.Info("game ended by forfeit", "room_id", room.ID, "survivors", len(standings))

	room.game = nil
	room.state = RoomFinished
	rr.metrics.ActiveGames.Dec()
	rr.destroyLocked(room)
}

// Destroy removes the room, dropping all remaining members to LOBBY.
func (rr *Rooms) Destroy(room *Room) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.destroyLocked(room)
}

func (rr *Rooms) destroyLocked(room *Room) {
	for i, p := range room.players {
		if p != nil {
			p.setRoom(nil)
			if !p.isDisconnected() {
				p.setState(StateInLobby)
			}
			room.players[i] = nil
		}
	}
	room.count = 0
	if room.game != nil {
		room.game = nil
		rr.metrics.ActiveGames.Dec()
	}

	for i, r := range rr.slots {
		if r == room {
			rr.slots[i] = nil
			rr.metrics.ActiveRooms.Dec()
			slog.Info("room destroyed", "room_id", room.ID)
			return
		}
	}
}

func (rr *Rooms) Broadcast(room *Room, line string) {
	rr.BroadcastExcept(room, line, nil)
}

func (rr *Rooms) BroadcastExcept(room *Room, line string, except *Client) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.broadcastLocked(room, line, except)
}

func (rr *Rooms) broadcastLocked(room *Room, line string, except *Client) {
	for _, p := range room.players {
		if p == nil || p == except {
			continue
		}
		if err := p.Send(line); err != nil {
			slog.Debug("broadcast send failed", "client_id", p.ID(), "err", err)
		}
	}
}

// Shutdown destroys every room. Runs after the supervisors have been
// joined, so no other task touches the table.
func (rr *Rooms) Shutdown() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for _, r := range rr.slots {
		if r != nil {
			rr.destroyLocked(r)
		}
	}
}
