package codec

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int    `cbor:"x"`
	Y int    `cbor:"y"`
	L string `cbor:"l,omitempty"`
}

type status struct {
	Code int `cbor:"1,keyasint"`
}

func newTestDataCodec(t *testing.T) *DataCodec {
	t.Helper()
	c, err := NewDataCodec()
	require.NoError(t, err)
	require.NoError(t, c.Register(1, point{}))
	require.NoError(t, c.Register(2, &status{}))
	return c
}

func TestDataCodec_registeredTypes(t *testing.T) {
	c := newTestDataCodec(t)

	b, err := c.Encode(point{X: 1, Y: -2, L: "p"})
	require.NoError(t, err)
	tag, _, err := Tag(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), tag)

	v, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: -2, L: "p"}, v)

	b, err = c.Encode(&status{Code: 7})
	require.NoError(t, err)
	v, err = c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, &status{Code: 7}, v)
}

func TestDataCodec_registration(t *testing.T) {
	c := newTestDataCodec(t)
	assert.ErrorIs(t, c.Register(TagMsg, struct{}{}), ErrReservedTag)
	assert.ErrorIs(t, c.Register(1, struct{ A int }{}), ErrDuplicateTag)
	assert.ErrorIs(t, c.Register(3, point{}), ErrDuplicateTag)
	assert.ErrorIs(t, c.Register(3, nil), ErrUnsupportedType)

	_, err := c.Encode(status{})
	assert.ErrorIs(t, err, ErrUnregistered, "only *status is registered")
}

func TestDataCodec_malformed(t *testing.T) {
	c := newTestDataCodec(t)

	_, err := c.Decode([]byte{0})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode(AppendTag(nil, 99))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode(append(AppendTag(nil, 1), 0xff, 0xff))
	assert.ErrorIs(t, err, ErrMalformed)

	body, err := cbor.Marshal(map[string]any{"x": 1, "z": 2})
	require.NoError(t, err)
	_, err = c.Decode(append(AppendTag(nil, 1), body...))
	assert.ErrorIs(t, err, ErrMalformed, "unknown fields are rejected")
}
