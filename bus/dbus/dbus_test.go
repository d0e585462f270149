package dbus

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/internal/looptest"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionClient(t *testing.T, loop *mainloop.Loop) *Client {
	t.Helper()
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		t.Skip("no session bus")
	}
	c, err := Dial("session")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_, err = loop.AddSubloop(c.SubloopOps())
	require.NoError(t, err)
	return c
}

func TestClient_sessionBus(t *testing.T) {
	loop := looptest.New(t)
	a, b := sessionClient(t, loop), sessionClient(t, loop)
	require.True(t, bus.ValidName(a.UniqueName()))

	name := "io.github.joeycumines.mainloop.Test_" + uuid.New().String()[:8]
	var owners []string
	require.NoError(t, a.FollowName(name, func(_, owner string, err error) {
		assert.NoError(t, err)
		owners = append(owners, owner)
	}))
	looptest.RunUntil(t, loop, func() bool { return len(owners) == 1 })
	assert.Equal(t, "", owners[0])

	require.NoError(t, b.AcquireName(name))
	assert.ErrorIs(t, a.AcquireName(name), bus.ErrNameTaken)
	looptest.RunUntil(t, loop, func() bool { return len(owners) >= 2 })
	assert.Equal(t, b.UniqueName(), owners[len(owners)-1])

	var got []bus.Message
	require.NoError(t, b.Subscribe("/test", func(m bus.Message) { got = append(got, m) }))
	require.NoError(t, a.Send(bus.Message{SenderPath: "/reply", Dest: name, Path: "/test", Payload: []byte("ping")}))
	looptest.RunUntil(t, loop, func() bool { return len(got) == 1 })
	assert.Equal(t, "ping", string(got[0].Payload))
	assert.Equal(t, a.UniqueName(), got[0].Sender)
	assert.Equal(t, "/reply", got[0].SenderPath)

	var lookups []error
	require.NoError(t, a.LookupOwner(name+"_absent", func(_, owner string, err error) {
		assert.Equal(t, "", owner)
		lookups = append(lookups, err)
	}))
	looptest.RunUntil(t, loop, func() bool { return len(lookups) == 1 })
	assert.ErrorIs(t, lookups[0], bus.ErrNoOwner)

	require.NoError(t, b.ReleaseName(name))
	assert.ErrorIs(t, b.ReleaseName(name), bus.ErrNotOwner)
	require.NoError(t, a.ForgetName(name))
}
