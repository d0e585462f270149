// Package codec holds the payload codec contract used by transports, the
// length-prefix framing that recovers message boundaries on byte streams, and
// a CBOR codec for tagged structured values.
//
// Every encoded payload starts with a big-endian uint16 type tag. Tag
// [TagMsg] is reserved for tagged-field messages (see package msg); all other
// tags identify types registered with a [DataCodec].
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TagMsg is the payload tag of a tagged-field message.
const TagMsg uint16 = 0

// TagLen is the size of the payload type tag.
const TagLen = 2

var (
	// ErrMalformed is wrapped by every decode failure caused by the input
	// bytes, as opposed to the codec's configuration.
	ErrMalformed = errors.New("codec: malformed input")

	// ErrFrameTooLarge is returned when encoding a payload that exceeds the
	// framer's limit. Decoding such a frame fails with ErrMalformed.
	ErrFrameTooLarge = errors.New("codec: frame too large")

	ErrDuplicateTag    = errors.New("codec: duplicate type tag")
	ErrReservedTag     = errors.New("codec: reserved type tag")
	ErrUnregistered    = errors.New("codec: unregistered type")
	ErrUnsupportedType = errors.New("codec: unsupported value type")
)

// Codec encodes values into payload bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Malformedf returns an error wrapping ErrMalformed.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

// AppendTag appends the big-endian payload tag to dst.
func AppendTag(dst []byte, tag uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, tag)
}

// Tag returns the payload tag of b and the bytes following it.
func Tag(b []byte) (uint16, []byte, error) {
	if len(b) < TagLen {
		return 0, nil, Malformedf("short payload tag: %d bytes", len(b))
	}
	return binary.BigEndian.Uint16(b), b[TagLen:], nil
}
