package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// FrameHeaderLen is the size of the big-endian length prefix.
	FrameHeaderLen = 4

	DefaultMaxFrameSize = 8 * 1024 * 1024
)

// Framer delimits payloads inside a byte stream with a 4-byte big-endian
// length prefix. The zero value uses DefaultMaxFrameSize.
type Framer struct {
	// MaxFrameSize bounds the payload length, excluding the prefix.
	MaxFrameSize int
}

func (x Framer) limit() int {
	if x.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return x.MaxFrameSize
}

// AppendFrame appends the length-prefixed payload to dst.
func (x Framer) AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > x.limit() {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), x.limit())
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// Split extracts every complete frame from buf. The frames alias buf, and
// rest is the trailing partial frame (possibly empty), which the caller keeps
// until more bytes arrive. A length over the limit fails with ErrMalformed,
// in which case the frames decoded before it are still returned.
func (x Framer) Split(buf []byte) (frames [][]byte, rest []byte, err error) {
	limit := x.limit()
	for len(buf) >= FrameHeaderLen {
		n := binary.BigEndian.Uint32(buf)
		if uint64(n) > uint64(limit) {
			return frames, buf, Malformedf("frame length %d exceeds limit %d", n, limit)
		}
		end := FrameHeaderLen + int(n)
		if len(buf) < end {
			break
		}
		frames = append(frames, buf[FrameHeaderLen:end:end])
		buf = buf[end:]
	}
	return frames, buf, nil
}
