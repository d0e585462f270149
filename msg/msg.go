// Package msg implements tagged-field messages: an ordered list of fields,
// each carrying a uint16 tag, a field type and a typed value.
package msg

import (
	"errors"
	"fmt"
)

// Type identifies the wire representation of a field value.
type Type uint16

const (
	TypeInvalid  Type = 0x00
	TypeString   Type = 0x01
	TypeInteger  Type = 0x02 // int32
	TypeUnsigned Type = 0x03 // uint32
	TypeDouble   Type = 0x04
	TypeBool     Type = 0x05
	TypeUint8    Type = 0x06
	TypeSint8    Type = 0x07
	TypeUint16   Type = 0x08
	TypeSint16   Type = 0x09
	TypeUint32   Type = 0x0a
	TypeSint32   Type = 0x0b
	TypeUint64   Type = 0x0c
	TypeSint64   Type = 0x0d
	TypeBlob     Type = 0x0e
)

var typeNames = [...]string{
	TypeInvalid:  "invalid",
	TypeString:   "string",
	TypeInteger:  "integer",
	TypeUnsigned: "unsigned",
	TypeDouble:   "double",
	TypeBool:     "bool",
	TypeUint8:    "uint8",
	TypeSint8:    "sint8",
	TypeUint16:   "uint16",
	TypeSint16:   "sint16",
	TypeUint32:   "uint32",
	TypeSint32:   "sint32",
	TypeUint64:   "uint64",
	TypeSint64:   "sint64",
	TypeBlob:     "blob",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%#x)", uint16(t))
}

var (
	ErrTypeMismatch = errors.New("msg: value does not match field type")
	ErrNoField      = errors.New("msg: no such field")
)

// Field is one tagged value. Value holds the Go type matching Type: string,
// int32 (Integer, Sint32), uint32 (Unsigned, Uint32), float64, bool, the
// sized integer types, or []byte.
type Field struct {
	Tag   uint16
	Type  Type
	Value any
}

// Msg is an ordered list of fields. Tags need not be unique; lookups return
// the first match.
type Msg struct {
	fields []Field
}

// New returns an empty message.
func New() *Msg { return &Msg{} }

// Fields returns the fields in insertion order. The slice must not be
// modified.
func (m *Msg) Fields() []Field { return m.fields }

// Len is the number of fields.
func (m *Msg) Len() int { return len(m.fields) }

// Add appends a field, inferring its type from the Go type of v. Plain int
// and uint are rejected, since their wire width would be ambiguous.
func (m *Msg) Add(tag uint16, v any) error {
	typ, ok := typeOf(v)
	if !ok {
		return fmt.Errorf("%w: %T", ErrTypeMismatch, v)
	}
	return m.AddField(Field{Tag: tag, Type: typ, Value: v})
}

// AddField appends a field with an explicit type, such as TypeInteger for an
// int32.
func (m *Msg) AddField(f Field) error {
	if !valueMatches(f.Type, f.Value) {
		return fmt.Errorf("%w: tag %d: %T is not %v", ErrTypeMismatch, f.Tag, f.Value, f.Type)
	}
	if b, ok := f.Value.([]byte); ok {
		f.Value = append([]byte(nil), b...)
	}
	m.fields = append(m.fields, f)
	return nil
}

// Get returns the first field with tag.
func (m *Msg) Get(tag uint16) (Field, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return Field{}, false
}

// Lookup returns the value of the first field with tag, converted to T.
func Lookup[T any](m *Msg, tag uint16) (T, error) {
	var zero T
	f, ok := m.Get(tag)
	if !ok {
		return zero, fmt.Errorf("%w: %d", ErrNoField, tag)
	}
	v, ok := f.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: tag %d is %v", ErrTypeMismatch, tag, f.Type)
	}
	return v, nil
}

func (m *Msg) String() string {
	s := "msg{"
	for i, f := range m.fields {
		if i > 0 {
			s += " "
		}
		if b, ok := f.Value.([]byte); ok {
			s += fmt.Sprintf("%d:%v=%x", f.Tag, f.Type, b)
		} else {
			s += fmt.Sprintf("%d:%v=%v", f.Tag, f.Type, f.Value)
		}
	}
	return s + "}"
}

func typeOf(v any) (Type, bool) {
	switch v.(type) {
	case string:
		return TypeString, true
	case bool:
		return TypeBool, true
	case float64:
		return TypeDouble, true
	case uint8:
		return TypeUint8, true
	case int8:
		return TypeSint8, true
	case uint16:
		return TypeUint16, true
	case int16:
		return TypeSint16, true
	case uint32:
		return TypeUint32, true
	case int32:
		return TypeSint32, true
	case uint64:
		return TypeUint64, true
	case int64:
		return TypeSint64, true
	case []byte:
		return TypeBlob, true
	}
	return TypeInvalid, false
}

func valueMatches(t Type, v any) bool {
	switch t {
	case TypeInteger:
		_, ok := v.(int32)
		return ok
	case TypeUnsigned:
		_, ok := v.(uint32)
		return ok
	case TypeInvalid:
		return false
	}
	inferred, ok := typeOf(v)
	return ok && inferred == t
}
