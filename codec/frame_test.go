package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_splitCoalescedAndPartial(t *testing.T) {
	var f Framer
	buf, err := f.AppendFrame(nil, []byte("first"))
	require.NoError(t, err)
	buf, err = f.AppendFrame(buf, []byte("second"))
	require.NoError(t, err)
	buf, err = f.AppendFrame(buf, nil)
	require.NoError(t, err)
	full := len(buf)
	buf, err = f.AppendFrame(buf, []byte("third"))
	require.NoError(t, err)

	// cut the last frame short
	frames, rest, err := f.Split(buf[:len(buf)-2])
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "first", string(frames[0]))
	assert.Equal(t, "second", string(frames[1]))
	assert.Empty(t, frames[2])
	assert.Len(t, rest, len(buf)-2-full)

	frames, rest, err = f.Split(append(rest, buf[len(buf)-2:]...))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "third", string(frames[0]))
	assert.Empty(t, rest)
}

func TestFramer_shortHeaderWaits(t *testing.T) {
	frames, rest, err := Framer{}.Split([]byte{0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, []byte{0, 0, 0}, rest)
}

func TestFramer_limit(t *testing.T) {
	f := Framer{MaxFrameSize: 4}

	_, err := f.AppendFrame(nil, []byte("12345"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	ok, err := f.AppendFrame(nil, []byte("1234"))
	require.NoError(t, err)
	frames, _, err := f.Split(append(ok, 0, 0, 0, 5, 'x'))
	assert.ErrorIs(t, err, ErrMalformed)
	require.Len(t, frames, 1, "frames before the bad one are kept")
	assert.Equal(t, "1234", string(frames[0]))
}

func TestTag(t *testing.T) {
	tag, rest, err := Tag(AppendTag(nil, 0x0102))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), tag)
	assert.Empty(t, rest)

	_, _, err = Tag([]byte{1})
	assert.ErrorIs(t, err, ErrMalformed)
}
