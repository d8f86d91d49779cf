package protocol

import (
	"io"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestReadLineSplitsOnLF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("HELLO Alice\nLIST_ROOMS\n"))

	line, err := lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "HELLO Alice")

	line, err = lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "LIST_ROOMS")

	_, err = lr.ReadLine()
	assert.Assert(t, err == io.EOF)
}

func TestReadLineIgnoresCR(t *testing.T) {
	lr := NewLineReader(strings.NewReader("HELLO Bob\r\nPONG\r\n"))

	line, err := lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "HELLO Bob")

	line, err = lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "PONG")
}

func TestReadLineEmptyLine(t *testing.T) {
	lr := NewLineReader(strings.NewReader("\nREADY\n"))

	line, err := lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "")

	line, err = lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "READY")
}

func TestReadLineTooLong(t *testing.T) {
	long := strings.Repeat("x", MaxMessageLength+10)
	lr := NewLineReader(strings.NewReader(long + "\nREADY\n"))

	_, err := lr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)

	// The reader recovers at the next line.
	line, err := lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, line, "READY")
}

func TestReadLineExactLimit(t *testing.T) {
	exact := strings.Repeat("y", MaxMessageLength)
	lr := NewLineReader(strings.NewReader(exact + "\n"))

	line, err := lr.ReadLine()
	assert.NilError(t, err)
	assert.Equal(t, len(line), MaxMessageLength)
}

func TestSplitCommand(t *testing.T) {
	cmd, params := SplitCommand("CREATE_ROOM game1 2 4")
	assert.Equal(t, cmd, "CREATE_ROOM")
	assert.Equal(t, params, "game1 2 4")

	cmd, params = SplitCommand("LIST_ROOMS")
	assert.Equal(t, cmd, "LIST_ROOMS")
	assert.Equal(t, params, "")
}

func TestErrorLine(t *testing.T) {
	assert.Equal(t, ErrorLine(ErrRoomFull, "Room is full"), "ERROR ROOM_FULL Room is full")
	assert.Equal(t, ErrorLine(ErrNotYourTurn, ""), "ERROR NOT_YOUR_TURN")
}
