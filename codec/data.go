package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// DataCodec encodes registered Go types as a payload tag followed by a
// canonical CBOR body. Decode yields a value of the registered type (a
// pointer if the prototype was a pointer).
//
// Registration is not synchronized; register every type before the codec is
// shared with transports.
type DataCodec struct {
	enc   cbor.EncMode
	dec   cbor.DecMode
	types map[uint16]reflect.Type
	tags  map[reflect.Type]uint16
}

var _ Codec = (*DataCodec)(nil)

// NewDataCodec returns a codec with no registered types.
func NewDataCodec() (*DataCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &DataCodec{
		enc:   enc,
		dec:   dec,
		types: make(map[uint16]reflect.Type),
		tags:  make(map[reflect.Type]uint16),
	}, nil
}

// Register binds tag to the dynamic type of prototype.
func (x *DataCodec) Register(tag uint16, prototype any) error {
	if tag == TagMsg {
		return fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}
	if prototype == nil {
		return fmt.Errorf("%w: nil prototype", ErrUnsupportedType)
	}
	typ := reflect.TypeOf(prototype)
	if _, ok := x.types[tag]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTag, tag)
	}
	if prev, ok := x.tags[typ]; ok {
		return fmt.Errorf("%w: %v already registered as %d", ErrDuplicateTag, typ, prev)
	}
	x.types[tag] = typ
	x.tags[typ] = tag
	return nil
}

// TagOf returns the tag registered for the dynamic type of v.
func (x *DataCodec) TagOf(v any) (uint16, bool) {
	tag, ok := x.tags[reflect.TypeOf(v)]
	return tag, ok
}

func (x *DataCodec) Encode(v any) ([]byte, error) {
	tag, ok := x.TagOf(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregistered, v)
	}
	body, err := x.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return append(AppendTag(make([]byte, 0, TagLen+len(body)), tag), body...), nil
}

func (x *DataCodec) Decode(b []byte) (any, error) {
	tag, body, err := Tag(b)
	if err != nil {
		return nil, err
	}
	typ, ok := x.types[tag]
	if !ok {
		return nil, Malformedf("unknown type tag %d", tag)
	}

	target := typ
	if typ.Kind() == reflect.Pointer {
		target = typ.Elem()
	}
	ptr := reflect.New(target)
	if err := x.dec.Unmarshal(body, ptr.Interface()); err != nil {
		return nil, Malformedf("tag %d: %v", tag, err)
	}
	if typ.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}
