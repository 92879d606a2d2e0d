// Package framing implements the deskextend wire format: every encoded unit
// travels as a 4-byte big-endian length header followed by exactly that many
// bytes of Annex B video data.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the length of the frame header in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload a Reader accepts. A 4K keyframe at
// high bitrate stays well below this.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a payload exceeds the configured limit.
var ErrFrameTooLarge = errors.New("framing: frame too large")

// Frame returns payload prefixed with its length header in a new buffer.
func Frame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one framed payload to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	return w.Write(Frame(payload))
}

// Reader splits a byte stream back into payloads.
type Reader struct {
	r       *bufio.Reader
	max     int
	header  [HeaderSize]byte
	scratch []byte
}

// NewReader returns a Reader that rejects payloads over maxFrameSize. A
// non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), max: maxFrameSize}
}

// Next reads the next payload. The returned slice is only valid until the
// following call. io.EOF is returned at a clean frame boundary and
// io.ErrUnexpectedEOF when the stream ends mid-frame.
func (fr *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.header[:])
	if uint64(n) > uint64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, fr.max)
	}
	if cap(fr.scratch) < int(n) {
		fr.scratch = make([]byte, n)
	}
	buf := fr.scratch[:n]
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
