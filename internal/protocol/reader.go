package protocol

import (
	"errors"
	"io"
)

// ErrLineTooLong is returned for a line that exceeds MaxMessageLength.
// The oversized line is consumed up to its terminating LF so the reader
// stays usable; the caller decides whether to count it against the peer.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum message length")

// LineReader yields LF-delimited lines from a stream. CR bytes are
// discarded wherever they appear, matching the wire contract.
type LineReader struct {
	r    io.Reader
	buf  []byte
	pos  int
	n    int
	line []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{
		r:    r,
		buf:  make([]byte, 4096),
		line: make([]byte, 0, MaxMessageLength),
	}
}

// ReadLine blocks until a full line arrives. Empty lines are returned as
// empty strings; the caller skips them. On an oversized line it discards
// input through the next LF and returns ErrLineTooLong.
func (lr *LineReader) ReadLine() (string, error) {
	overflow := false
	for {
		for lr.pos < lr.n {
			c := lr.buf[lr.pos]
			lr.pos++
			switch c {
			case '\n':
				if overflow {
					lr.line = lr.line[:0]
					return "", ErrLineTooLong
				}
				line := string(lr.line)
				lr.line = lr.line[:0]
				return line, nil
			case '\r':
				// tolerated, ignored
			default:
				if overflow {
					continue
				}
				if len(lr.line) >= MaxMessageLength {
					overflow = true
					continue
				}
				lr.line = append(lr.line, c)
			}
		}

		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.pos, lr.n = 0, n
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
}
