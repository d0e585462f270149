package bus_test

import (
	"sync"
	"testing"

	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/internal/looptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_postFromGoroutines(t *testing.T) {
	loop := looptest.New(t)
	inbox, err := bus.NewInbox()
	require.NoError(t, err)
	s, err := loop.AddSubloop(inbox)
	require.NoError(t, err)

	const senders, each = 4, 50
	var got int
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				assert.NoError(t, inbox.Post(func() { got++ }))
			}
		}()
	}
	wg.Wait()
	looptest.RunUntil(t, loop, func() bool { return got == senders*each })
	assert.Zero(t, inbox.Len())

	require.NoError(t, loop.DelSubloop(s))
	require.NoError(t, inbox.Close())
	assert.ErrorIs(t, inbox.Post(func() {}), bus.ErrClosed)
	assert.ErrorIs(t, inbox.Close(), bus.ErrClosed)
}

// Events posted by an event run on the next dispatch, in order.
func TestInbox_order(t *testing.T) {
	loop := looptest.New(t)
	inbox, err := bus.NewInbox()
	require.NoError(t, err)
	t.Cleanup(func() { _ = inbox.Close() })
	_, err = loop.AddSubloop(inbox)
	require.NoError(t, err)

	var seq []int
	require.NoError(t, inbox.Post(func() {
		seq = append(seq, 1)
		require.NoError(t, inbox.Post(func() { seq = append(seq, 3) }))
	}))
	require.NoError(t, inbox.Post(func() { seq = append(seq, 2) }))

	_, ready := inbox.Prepare()
	assert.True(t, ready)
	looptest.RunUntil(t, loop, func() bool { return len(seq) == 3 })
	assert.Equal(t, []int{1, 2, 3}, seq)
	_, ready = inbox.Prepare()
	assert.False(t, ready)
}

func TestValidPath(t *testing.T) {
	for _, tc := range []struct {
		path string
		ok   bool
	}{
		{"/", true},
		{"/a", true},
		{"/org/example/Echo_1", true},
		{"", false},
		{"a", false},
		{"/a/", false},
		{"//a", false},
		{"/a//b", false},
		{"/a-b", false},
		{"/a.b", false},
	} {
		assert.Equal(t, tc.ok, bus.ValidPath(tc.path), tc.path)
	}
}

func TestValidName(t *testing.T) {
	for _, tc := range []struct {
		name string
		ok   bool
	}{
		{":1.42", true},
		{"org.example.Echo", true},
		{"org.example-app.x_1", true},
		{":1", false},
		{"org", false},
		{"org..example", false},
		{"org.9example", false},
		{"org.example/x", false},
		{"", false},
	} {
		assert.Equal(t, tc.ok, bus.ValidName(tc.name), tc.name)
	}
}
