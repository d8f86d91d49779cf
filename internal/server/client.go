package server

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrClientGone means the client's transport is closed or missing; the
// message was not sent.
var ErrClientGone = errors.New("server: client transport closed")

type ClientState int32

const (
	StateConnected ClientState = iota
	StateInLobby
	StateInRoom
	StateInGame
	StateDisconnectedPending
)

func (s ClientState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateInLobby:
		return "IN_LOBBY"
	case StateInRoom:
		return "IN_ROOM"
	case StateInGame:
		return "IN_GAME"
	case StateDisconnectedPending:
		return "DISCONNECTED_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Writes that cannot complete within this window are abandoned so a
// stalled peer cannot wedge a broadcast.
const writeTimeout = 2 * time.Second

// Client is the registry's record of one connection. The id survives
// reconnection; everything else is rebuilt on the replacement record.
// Fields are guarded by mu; sendMu serializes writes to the transport.
type Client struct {
	mu             sync.Mutex
	id             int64
	nickname       string
	state          ClientState
	room           *Room
	errorCount     int
	conn           net.Conn
	disconnected   bool
	disconnectTime time.Time
	lastActivity   time.Time
	lastPingSent   time.Time
	lastPong       time.Time
	waitingForPong bool

	sendMu sync.Mutex
}

func newClient(id int64, conn net.Conn, now time.Time) *Client {
	return &Client{
		id:           id,
		state:        StateConnected,
		conn:         conn,
		lastActivity: now,
		lastPong:     now,
	}
}

func (c *Client) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Nickname satisfies game.Player.
func (c *Client) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

func (c *Client) setNickname(nick string) {
	c.mu.Lock()
	c.nickname = nick
	c.mu.Unlock()
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// authenticated reports whether the client passed HELLO and still holds
// a live session.
func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateConnected && c.state != StateDisconnectedPending
}

func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

func (c *Client) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Client) disconnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectTime
}

// Send writes one line to the client. It refuses once the client is
// marked disconnected, so no path can write to a reconnect-pending
// record.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	conn := c.conn
	down := c.disconnected
	c.mu.Unlock()
	if down || conn == nil {
		return ErrClientGone
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

// adoptIdentity takes over a disconnected record's identity on
// reconnect: the old id and nickname carry over, liveness starts fresh.
func (c *Client) adoptIdentity(id int64, nick string, now time.Time) {
	c.mu.Lock()
	c.id = id
	c.nickname = nick
	c.lastActivity = now
	c.lastPong = now
	c.lastPingSent = time.Time{}
	c.waitingForPong = false
	c.disconnected = false
	c.disconnectTime = time.Time{}
	c.mu.Unlock()
}

// touch records inbound activity.
func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Client) pongReceived(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.lastPong = now
	c.waitingForPong = false
	c.mu.Unlock()
}

func (c *Client) addError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	return c.errorCount
}

// markPending closes the transport and opens the reconnect window. The
// original disconnect time is preserved if already set.
func (c *Client) markPending(now time.Time) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if !c.disconnected {
		c.disconnected = true
		c.disconnectTime = now
	}
	c.state = StateDisconnectedPending
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// closeTransport closes the socket without opening a reconnect window;
// the session loop observes the read error and runs the disconnect
// policy.
func (c *Client) closeTransport() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// dropTransport detaches the socket during server shutdown; the
// shutdown path owns the cleanup.
func (c *Client) dropTransport() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// duePing reports whether the heartbeat should ping this client: a
// live, authenticated session that answered the previous ping and has
// been quiet since.
func (c *Client) duePing(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected || c.conn == nil || c.waitingForPong {
		return false
	}
	if c.state == StateConnected || c.state == StateDisconnectedPending {
		return false
	}
	return now.Sub(c.lastPong) >= interval
}

func (c *Client) pingSent(now time.Time) {
	c.mu.Lock()
	c.waitingForPong = true
	c.lastPingSent = now
	c.mu.Unlock()
}

func (c *Client) pongOverdue(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForPong && now.Sub(c.lastPingSent) > timeout
}

func (c *Client) inactiveFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

func (c *Client) transportOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.disconnected
}
