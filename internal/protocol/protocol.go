// Package protocol defines the line-oriented wire vocabulary spoken between
// the pexeso server and its clients. Messages are ASCII, delimited by LF;
// CR is tolerated and ignored. A message never exceeds MaxMessageLength
// bytes on the wire.
package protocol

import "strings"

const (
	MaxMessageLength = 1024
	MaxNickLength    = 31
	MaxRoomNameLen   = 63
)

// Client to server.
const (
	CmdHello      = "HELLO"
	CmdListRooms  = "LIST_ROOMS"
	CmdCreateRoom = "CREATE_ROOM"
	CmdJoinRoom   = "JOIN_ROOM"
	CmdLeaveRoom  = "LEAVE_ROOM"
	CmdReady      = "READY"
	CmdStartGame  = "START_GAME"
	CmdFlip       = "FLIP"
	CmdPong       = "PONG"
	CmdReconnect  = "RECONNECT"
)

// Server to client.
const (
	RespWelcome            = "WELCOME"
	RespRoomList           = "ROOM_LIST"
	RespRoomCreated        = "ROOM_CREATED"
	RespRoomJoined         = "ROOM_JOINED"
	RespLeftRoom           = "LEFT_ROOM"
	RespReadyOK            = "READY_OK"
	RespPlayerJoined       = "PLAYER_JOINED"
	RespPlayerLeft         = "PLAYER_LEFT"
	RespPlayerReady        = "PLAYER_READY"
	RespPlayerDisconnected = "PLAYER_DISCONNECTED"
	RespPlayerReconnected  = "PLAYER_RECONNECTED"
	RespRoomOwnerChanged   = "ROOM_OWNER_CHANGED"
	RespRoomClosed         = "ROOM_CLOSED"
	RespGameCreated        = "GAME_CREATED"
	RespGameStart          = "GAME_START"
	RespGameState          = "GAME_STATE"
	RespYourTurn           = "YOUR_TURN"
	RespCardReveal         = "CARD_REVEAL"
	RespMatch              = "MATCH"
	RespMismatch           = "MISMATCH"
	RespGameEnd            = "GAME_END"
	RespGameEndForfeit     = "GAME_END_FORFEIT"
	RespPing               = "PING"
	RespServerShutdown     = "SERVER_SHUTDOWN"
	RespError              = "ERROR"
)

// Error codes carried in ERROR responses.
const (
	ErrInvalidCommand       = "INVALID_COMMAND"
	ErrInvalidSyntax        = "INVALID_SYNTAX"
	ErrInvalidParams        = "INVALID_PARAMS"
	ErrInvalidMove          = "INVALID_MOVE"
	ErrInvalidCard          = "INVALID_CARD"
	ErrNotAuthenticated     = "NOT_AUTHENTICATED"
	ErrAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrRoomNotFound         = "ROOM_NOT_FOUND"
	ErrRoomFull             = "ROOM_FULL"
	ErrNotInRoom            = "NOT_IN_ROOM"
	ErrAlreadyInRoom        = "ALREADY_IN_ROOM"
	ErrRoomLimit            = "ROOM_LIMIT"
	ErrNeedMorePlayers      = "NEED_MORE_PLAYERS"
	ErrNotRoomOwner         = "NOT_ROOM_OWNER"
	ErrGameNotStarted       = "GAME_NOT_STARTED"
	ErrNotYourTurn          = "NOT_YOUR_TURN"
)

// Disconnect reasons in PLAYER_DISCONNECTED broadcasts.
const (
	DisconnectShort   = "SHORT"
	DisconnectRemoved = "REMOVED"
	DisconnectLong    = "LONG"
)

// SplitCommand separates the command token from the rest of the line.
// params is empty when the command has no arguments.
func SplitCommand(line string) (cmd, params string) {
	cmd, params, _ = strings.Cut(line, " ")
	return cmd, params
}

// ErrorLine formats an ERROR response. detail may be empty.
func ErrorLine(code, detail string) string {
	if detail == "" {
		return RespError + " " + code
	}
	return RespError + " " + code + " " + detail
}
