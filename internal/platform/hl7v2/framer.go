package hl7v2

import (
	"bytes"
	"errors"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT). Some analyzers
	// wrap their payload in MLLP envelope bytes; the framer strips them.
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS). It terminates a
	// message just like a doubled line ending does.
	MLLPEndBlock = 0x1C

	// DefaultMaxFrameSize bounds the bytes buffered while waiting for a
	// terminator (1 MB).
	DefaultMaxFrameSize = 1 << 20
)

// ErrFrameTooLarge is returned when the stream exceeds the buffer limit
// without producing a terminator. It is fatal to the connection.
var ErrFrameTooLarge = errors.New("hl7v2: buffered data exceeds maximum frame size without terminator")

// envelope is trimmed from both ends of every frame.
const envelope = " \t\r\n\x0b\x1c"

// Framer cuts complete messages out of an incremental byte stream. A message
// ends at a doubled end-of-line (any pair of CR, LF or CRLF) or at an MLLP
// end block. A Framer is not safe for concurrent use; each connection owns
// its own.
type Framer struct {
	buf     []byte
	scanned int
	maxSize int
}

// NewFramer returns a Framer that fails once more than maxSize bytes are
// buffered without a terminator. maxSize <= 0 selects DefaultMaxFrameSize.
func NewFramer(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Framer{maxSize: maxSize}
}

// Write appends p to the buffer and returns every message completed by it.
// Empty and terminator-only frames are dropped. On ErrFrameTooLarge the
// buffer is discarded; frames completed before the overflow are still
// returned.
func (f *Framer) Write(p []byte) ([][]byte, error) {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		end, next := findTerminator(f.buf, f.scanned)
		if end < 0 {
			// A terminator can straddle reads by at most three bytes (CRLF CRLF).
			f.scanned = max(0, len(f.buf)-3)
			break
		}
		if frame := trimFrame(f.buf[:end]); frame != nil {
			frames = append(frames, frame)
		}
		f.buf = append(f.buf[:0], f.buf[next:]...)
		f.scanned = 0
	}

	if len(f.buf) > f.maxSize {
		f.Reset()
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Flush returns whatever is buffered as a final message (nil when only
// whitespace is left) and resets the framer.
func (f *Framer) Flush() []byte {
	frame := trimFrame(f.buf)
	f.Reset()
	return frame
}

// Buffered reports how many bytes are waiting for a terminator.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any partially buffered message.
func (f *Framer) Reset() {
	f.buf = nil
	f.scanned = 0
}

// FrameBuffer treats a complete buffer (an HTTP body) as exactly one message.
// Surrounding whitespace and envelope bytes are trimmed; ok is false when
// nothing remains.
func FrameBuffer(body []byte) (frame []byte, ok bool) {
	frame = trimFrame(body)
	return frame, frame != nil
}

// findTerminator returns the start of the first terminator at or after from
// and the index just past it, or (-1, -1).
func findTerminator(buf []byte, from int) (end, next int) {
	for i := from; i < len(buf); i++ {
		if buf[i] == MLLPEndBlock {
			j := i + 1
			if j < len(buf) && buf[j] == '\r' {
				j++
			}
			return i, j
		}
		n1 := eolLen(buf, i)
		if n1 == 0 {
			continue
		}
		if n2 := eolLen(buf, i+n1); n2 > 0 {
			return i, i + n1 + n2
		}
	}
	return -1, -1
}

// eolLen reports the length of the line ending at buf[i]: 2 for CRLF, 1 for
// a lone CR or LF, 0 otherwise.
func eolLen(buf []byte, i int) int {
	if i >= len(buf) {
		return 0
	}
	switch buf[i] {
	case '\r':
		if i+1 < len(buf) && buf[i+1] == '\n' {
			return 2
		}
		return 1
	case '\n':
		return 1
	}
	return 0
}

func trimFrame(b []byte) []byte {
	b = bytes.Trim(b, envelope)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
