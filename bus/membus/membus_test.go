package membus

import (
	"testing"

	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/internal/looptest"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, x *Network, loop *mainloop.Loop) *Client {
	t.Helper()
	c, err := x.Connect()
	require.NoError(t, err)
	_, err = loop.AddSubloop(c.SubloopOps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type ownerEvent struct {
	name, owner string
	err         error
}

func TestClient_sendToWellKnownName(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a, b := connect(t, x, loop), connect(t, x, loop)
	assert.NotEqual(t, a.UniqueName(), b.UniqueName())

	require.NoError(t, b.AcquireName("org.example.Echo"))
	var got []bus.Message
	require.NoError(t, b.Subscribe("/echo", func(m bus.Message) { got = append(got, m) }))
	assert.ErrorIs(t, b.Subscribe("/echo", func(bus.Message) {}), bus.ErrSubscribed)

	payload := []byte("hi")
	require.NoError(t, a.Send(bus.Message{SenderPath: "/reply", Dest: "org.example.Echo", Path: "/echo", Payload: payload}))
	payload[0] = 'X'
	// unsubscribed path and unowned name are both dropped
	require.NoError(t, a.Send(bus.Message{Dest: "org.example.Echo", Path: "/other", Payload: []byte("lost")}))
	require.NoError(t, a.Send(bus.Message{Dest: "org.example.Nobody", Path: "/echo", Payload: []byte("lost")}))
	require.NoError(t, a.Send(bus.Message{Dest: b.UniqueName(), Path: "/echo", Payload: []byte("direct")}))

	looptest.RunUntil(t, loop, func() bool { return len(got) == 2 })
	assert.Equal(t, "hi", string(got[0].Payload))
	assert.Equal(t, a.UniqueName(), got[0].Sender)
	assert.Equal(t, "/reply", got[0].SenderPath)
	assert.Equal(t, "direct", string(got[1].Payload))

	assert.ErrorIs(t, a.Send(bus.Message{Dest: "bad", Path: "/echo"}), bus.ErrInvalidName)
	assert.ErrorIs(t, a.Send(bus.Message{Dest: b.UniqueName(), Path: "echo"}), bus.ErrInvalidName)
}

func TestClient_names(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a, b := connect(t, x, loop), connect(t, x, loop)

	require.NoError(t, a.AcquireName("org.example.Name"))
	require.NoError(t, a.AcquireName("org.example.Name"), "already owner")
	assert.ErrorIs(t, b.AcquireName("org.example.Name"), bus.ErrNameTaken)
	assert.ErrorIs(t, b.ReleaseName("org.example.Name"), bus.ErrNotOwner)
	assert.ErrorIs(t, a.AcquireName(b.UniqueName()), bus.ErrInvalidName)

	require.NoError(t, a.ReleaseName("org.example.Name"))
	require.NoError(t, b.AcquireName("org.example.Name"))
}

func TestClient_followName(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a, b := connect(t, x, loop), connect(t, x, loop)

	var events []ownerEvent
	require.NoError(t, a.FollowName("org.example.Svc", func(name, owner string, err error) {
		events = append(events, ownerEvent{name, owner, err})
	}))
	looptest.RunUntil(t, loop, func() bool { return len(events) == 1 })
	assert.Equal(t, ownerEvent{"org.example.Svc", "", nil}, events[0])

	require.NoError(t, b.AcquireName("org.example.Svc"))
	looptest.RunUntil(t, loop, func() bool { return len(events) == 2 })
	assert.Equal(t, b.UniqueName(), events[1].owner)

	// closing the owner releases its names
	require.NoError(t, b.Close())
	looptest.RunUntil(t, loop, func() bool { return len(events) == 3 })
	assert.Equal(t, "", events[2].owner)

	require.NoError(t, a.ForgetName("org.example.Svc"))
	assert.ErrorIs(t, a.ForgetName("org.example.Svc"), bus.ErrInvalidName)
}

func TestClient_followUniqueName(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a, b := connect(t, x, loop), connect(t, x, loop)

	var owners []string
	require.NoError(t, a.FollowName(b.UniqueName(), func(_, owner string, err error) {
		assert.NoError(t, err)
		owners = append(owners, owner)
	}))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), bus.ErrClosed)
	looptest.RunUntil(t, loop, func() bool { return len(owners) == 2 })
	assert.Equal(t, []string{b.UniqueName(), ""}, owners)
}

// A report already queued is suppressed by ForgetName.
func TestClient_forgetSuppressesQueuedReport(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a := connect(t, x, loop)

	var calls int
	require.NoError(t, a.FollowName("org.example.Gone", func(string, string, error) { calls++ }))
	require.NoError(t, a.ForgetName("org.example.Gone"))
	var done bool
	require.NoError(t, a.inbox.Post(func() { done = true }))
	looptest.RunUntil(t, loop, func() bool { return done })
	assert.Zero(t, calls)
}

func TestClient_lookupOwner(t *testing.T) {
	loop := looptest.New(t)
	x := NewNetwork()
	a, b := connect(t, x, loop), connect(t, x, loop)
	require.NoError(t, b.AcquireName("org.example.Here"))

	var events []ownerEvent
	record := func(name, owner string, err error) { events = append(events, ownerEvent{name, owner, err}) }
	require.NoError(t, a.LookupOwner("org.example.Here", record))
	require.NoError(t, a.LookupOwner("org.example.Absent", record))
	assert.Empty(t, events, "reported asynchronously")

	looptest.RunUntil(t, loop, func() bool { return len(events) == 2 })
	assert.Equal(t, b.UniqueName(), events[0].owner)
	assert.NoError(t, events[0].err)
	assert.Equal(t, "", events[1].owner)
	assert.ErrorIs(t, events[1].err, bus.ErrNoOwner)
}

func TestClient_closed(t *testing.T) {
	x := NewNetwork()
	c, err := x.Connect()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.AcquireName("org.example.X"), bus.ErrClosed)
	assert.ErrorIs(t, c.Subscribe("/x", func(bus.Message) {}), bus.ErrClosed)
	assert.ErrorIs(t, c.Send(bus.Message{Dest: ":1.1", Path: "/"}), bus.ErrClosed)
	assert.ErrorIs(t, c.LookupOwner("org.example.X", func(string, string, error) {}), bus.ErrClosed)
	assert.ErrorIs(t, c.FollowName("org.example.X", func(string, string, error) {}), bus.ErrClosed)
}

func TestNetwork_dialer(t *testing.T) {
	x := NewNetwork()
	c, err := x.Dialer()("session")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ":1.1", c.UniqueName())
}
