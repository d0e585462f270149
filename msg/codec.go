package msg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/joeycumines/go-mainloop/codec"
)

// Codec encodes *Msg values. The wire form is the payload tag
// [codec.TagMsg], a uint16 field count, then per field a uint16 tag, a
// uint16 type and the value, all big-endian. Strings and blobs carry a uint32
// length; the string length includes a terminating NUL. Booleans are encoded
// as uint32.
type Codec struct{}

var _ codec.Codec = Codec{}

const fieldHeaderLen = 4

func (Codec) Encode(v any) ([]byte, error) {
	m, ok := v.(*Msg)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: %T", codec.ErrUnsupportedType, v)
	}
	return Marshal(m)
}

func (Codec) Decode(b []byte) (any, error) {
	return Unmarshal(b)
}

// Marshal encodes m.
func Marshal(m *Msg) ([]byte, error) {
	if len(m.fields) > math.MaxUint16 {
		return nil, fmt.Errorf("msg: too many fields: %d", len(m.fields))
	}
	buf := codec.AppendTag(nil, codec.TagMsg)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.fields)))
	for _, f := range m.fields {
		buf = binary.BigEndian.AppendUint16(buf, f.Tag)
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Type))
		var err error
		if buf, err = appendValue(buf, f); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, f Field) ([]byte, error) {
	be := binary.BigEndian
	switch v := f.Value.(type) {
	case string:
		if uint64(len(v))+1 > math.MaxUint32 {
			return nil, fmt.Errorf("msg: tag %d: string too long", f.Tag)
		}
		buf = be.AppendUint32(buf, uint32(len(v)+1))
		buf = append(buf, v...)
		return append(buf, 0), nil
	case []byte:
		if uint64(len(v)) > math.MaxUint32 {
			return nil, fmt.Errorf("msg: tag %d: blob too long", f.Tag)
		}
		buf = be.AppendUint32(buf, uint32(len(v)))
		return append(buf, v...), nil
	case bool:
		var u uint32
		if v {
			u = 1
		}
		return be.AppendUint32(buf, u), nil
	case float64:
		return be.AppendUint64(buf, math.Float64bits(v)), nil
	case uint8:
		return append(buf, v), nil
	case int8:
		return append(buf, byte(v)), nil
	case uint16:
		return be.AppendUint16(buf, v), nil
	case int16:
		return be.AppendUint16(buf, uint16(v)), nil
	case uint32:
		return be.AppendUint32(buf, v), nil
	case int32:
		return be.AppendUint32(buf, uint32(v)), nil
	case uint64:
		return be.AppendUint64(buf, v), nil
	case int64:
		return be.AppendUint64(buf, uint64(v)), nil
	}
	return nil, fmt.Errorf("%w: tag %d: %T", ErrTypeMismatch, f.Tag, f.Value)
}

// Unmarshal decodes a message encoded by Marshal. Failures wrap
// codec.ErrMalformed.
func Unmarshal(b []byte) (*Msg, error) {
	tag, b, err := codec.Tag(b)
	if err != nil {
		return nil, err
	}
	if tag != codec.TagMsg {
		return nil, codec.Malformedf("payload tag %d is not a message", tag)
	}
	if len(b) < 2 {
		return nil, codec.Malformedf("short field count")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]

	// the count is untrusted, each field takes at least a header
	m := &Msg{fields: make([]Field, 0, min(n, len(b)/fieldHeaderLen))}
	for i := 0; i < n; i++ {
		if len(b) < fieldHeaderLen {
			return nil, codec.Malformedf("field %d: short header", i)
		}
		f := Field{
			Tag:  binary.BigEndian.Uint16(b),
			Type: Type(binary.BigEndian.Uint16(b[2:])),
		}
		b = b[fieldHeaderLen:]
		if f.Value, b, err = readValue(f.Type, b); err != nil {
			return nil, fmt.Errorf("field %d (tag %d): %w", i, f.Tag, err)
		}
		m.fields = append(m.fields, f)
	}
	if len(b) != 0 {
		return nil, codec.Malformedf("%d trailing bytes", len(b))
	}
	return m, nil
}

var fixedSizes = map[Type]int{
	TypeInteger:  4,
	TypeUnsigned: 4,
	TypeDouble:   8,
	TypeBool:     4,
	TypeUint8:    1,
	TypeSint8:    1,
	TypeUint16:   2,
	TypeSint16:   2,
	TypeUint32:   4,
	TypeSint32:   4,
	TypeUint64:   8,
	TypeSint64:   8,
}

func readValue(t Type, b []byte) (any, []byte, error) {
	be := binary.BigEndian

	if t == TypeString || t == TypeBlob {
		if len(b) < 4 {
			return nil, nil, codec.Malformedf("short %v length", t)
		}
		n := be.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return nil, nil, codec.Malformedf("%v length %d exceeds %d remaining bytes", t, n, len(b))
		}
		v := b[:n]
		b = b[n:]
		if t == TypeBlob {
			return append([]byte(nil), v...), b, nil
		}
		if n == 0 || v[n-1] != 0 {
			return nil, nil, codec.Malformedf("string is not NUL terminated")
		}
		return string(v[:n-1]), b, nil
	}

	size, ok := fixedSizes[t]
	if !ok {
		return nil, nil, codec.Malformedf("unknown field type %v", t)
	}
	if len(b) < size {
		return nil, nil, codec.Malformedf("short %v value", t)
	}
	v, rest := b[:size], b[size:]
	switch t {
	case TypeInteger, TypeSint32:
		return int32(be.Uint32(v)), rest, nil
	case TypeUnsigned, TypeUint32:
		return be.Uint32(v), rest, nil
	case TypeDouble:
		return math.Float64frombits(be.Uint64(v)), rest, nil
	case TypeBool:
		return be.Uint32(v) != 0, rest, nil
	case TypeUint8:
		return v[0], rest, nil
	case TypeSint8:
		return int8(v[0]), rest, nil
	case TypeUint16:
		return be.Uint16(v), rest, nil
	case TypeSint16:
		return int16(be.Uint16(v)), rest, nil
	case TypeUint64:
		return be.Uint64(v), rest, nil
	default: // TypeSint64
		return int64(be.Uint64(v)), rest, nil
	}
}
