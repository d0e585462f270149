package msg

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/joeycumines/go-mainloop/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMsg(t *testing.T) *Msg {
	t.Helper()
	m := New()
	require.NoError(t, m.Add(1, "hello"))
	require.NoError(t, m.Add(2, true))
	require.NoError(t, m.Add(3, int8(-3)))
	require.NoError(t, m.Add(4, uint16(65535)))
	require.NoError(t, m.Add(5, int64(-1<<40)))
	require.NoError(t, m.Add(6, 2.5))
	require.NoError(t, m.Add(7, []byte{0xde, 0xad}))
	require.NoError(t, m.AddField(Field{Tag: 8, Type: TypeInteger, Value: int32(-9)}))
	require.NoError(t, m.Add(1, "duplicate tag"))
	return m
}

func TestCodec_preservesFieldsInOrder(t *testing.T) {
	in := sampleMsg(t)
	b, err := Codec{}.Encode(in)
	require.NoError(t, err)

	v, err := Codec{}.Decode(b)
	require.NoError(t, err)
	out := v.(*Msg)
	assert.Equal(t, in.Fields(), out.Fields())

	s, err := Lookup[string](out, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	i, err := Lookup[int32](out, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(-9), i)
}

func TestMarshal_wireLayout(t *testing.T) {
	m := New()
	require.NoError(t, m.Add(3, uint32(1)))
	require.NoError(t, m.Add(11, "ab"))

	b, err := Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, // message tag
		0, 2, // field count
		0, 3, 0, 0x0a, 0, 0, 0, 1,
		0, 11, 0, 0x01, 0, 0, 0, 3, 'a', 'b', 0,
	}, b)
}

func TestAdd_rejectsAmbiguousTypes(t *testing.T) {
	m := New()
	assert.ErrorIs(t, m.Add(1, 42), ErrTypeMismatch)
	assert.ErrorIs(t, m.Add(1, uint(42)), ErrTypeMismatch)
	assert.ErrorIs(t, m.AddField(Field{Tag: 1, Type: TypeUnsigned, Value: int32(1)}), ErrTypeMismatch)
	assert.ErrorIs(t, m.AddField(Field{Tag: 1, Type: TypeInvalid, Value: "x"}), ErrTypeMismatch)
	assert.Zero(t, m.Len())

	_, err := Lookup[string](m, 1)
	assert.ErrorIs(t, err, ErrNoField)
	require.NoError(t, m.Add(1, true))
	_, err = Lookup[string](m, 1)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestUnmarshal_malformed(t *testing.T) {
	good, err := Marshal(sampleMsg(t))
	require.NoError(t, err)

	for name, b := range map[string][]byte{
		"empty":         nil,
		"data tag":      {0, 7, 0, 0},
		"no count":      {0, 0},
		"truncated":     good[:len(good)-1],
		"trailing":      append(append([]byte(nil), good...), 0),
		"unknown type":  {0, 0, 0, 1, 0, 1, 0, 0x7f, 0},
		"unterminated":  {0, 0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 1, 'a'},
		"huge length":   binary.BigEndian.AppendUint32([]byte{0, 0, 0, 1, 0, 1, 0, 0x0e}, 1<<31),
		"empty string":  {0, 0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0},
		"short integer": {0, 0, 0, 1, 0, 1, 0, 0x0c, 1, 2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b)
			assert.ErrorIs(t, err, codec.ErrMalformed)
		})
	}
}

// A large field count on a short payload must not size the allocation.
func TestUnmarshal_countBoundedByPayload(t *testing.T) {
	b := []byte{0, 0, 0xff, 0xff, 0, 1}
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Unmarshal(b)
	runtime.ReadMemStats(&after)
	assert.ErrorIs(t, err, codec.ErrMalformed)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<10))
}

func TestCodec_encodeRejectsOtherValues(t *testing.T) {
	_, err := Codec{}.Encode("nope")
	assert.ErrorIs(t, err, codec.ErrUnsupportedType)
	_, err = Codec{}.Encode((*Msg)(nil))
	assert.ErrorIs(t, err, codec.ErrUnsupportedType)
}

func TestMsg_String(t *testing.T) {
	m := New()
	require.NoError(t, m.Add(1, "x"))
	require.NoError(t, m.Add(2, []byte{1}))
	assert.Equal(t, "msg{1:string=x 2:blob=01}", m.String())
	assert.Equal(t, "Type(0x99)", Type(0x99).String())
}
