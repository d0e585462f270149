package mainloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSuperloop_forwardsPrimitivesToHost(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	r, w := testPipe(t)

	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))
	assert.Equal(t, StateHosted, client.State())
	assert.ErrorIs(t, client.Iterate(), ErrSuperloopActive)
	assert.ErrorIs(t, client.Poll(0), ErrSuperloopActive)
	assert.ErrorIs(t, client.SetSuperloop(host.SuperloopOps()), ErrSuperloopAlreadySet)

	var ioCalls, timerCalls, deferredCalls int
	_, err := client.AddIOWatch(r, EventRead, func(*IOWatch, int, IOEvents) { ioCalls++ })
	require.NoError(t, err)
	_, err = client.AddTimer(0, 0, func(*Timer) { timerCalls++ })
	require.NoError(t, err)
	_, err = client.AddDeferred(func(d *Deferred) {
		deferredCalls++
		require.NoError(t, client.DisableDeferred(d))
	})
	require.NoError(t, err)

	assert.Len(t, client.fds, 0, "nothing is polled by the client itself")

	writeByte(t, w)
	time.Sleep(time.Millisecond)
	require.NoError(t, host.Iterate())

	assert.Equal(t, 1, ioCalls)
	assert.Equal(t, 1, timerCalls)
	assert.Equal(t, 1, deferredCalls)
	assert.Equal(t, uint64(1), client.Stats().IOEvents)
	assert.Equal(t, uint64(1), client.Stats().TimersFired)
	assert.Equal(t, uint64(1), host.Stats().IOEvents)
}

func TestSuperloop_slaveIOBeforeOwnIO(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	r, w := testPipe(t)

	var order []string
	_, err := host.AddIOWatch(r, EventRead, func(*IOWatch, int, IOEvents) { order = append(order, "own") })
	require.NoError(t, err)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))
	_, err = client.AddIOWatch(r, EventRead, func(*IOWatch, int, IOEvents) { order = append(order, "slave") })
	require.NoError(t, err)

	writeByte(t, w)
	require.NoError(t, host.Iterate())
	assert.Equal(t, []string{"slave", "own"}, order)
}

func TestSuperloop_migrationOnSetAndClear(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	r, w := testPipe(t)

	var ioCalls, timerCalls int
	_, err := client.AddIOWatch(r, EventRead, func(_ *IOWatch, fd int, _ IOEvents) {
		ioCalls++
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
	})
	require.NoError(t, err)
	tm, err := client.AddTimer(time.Hour, 0, func(*Timer) { timerCalls++ })
	require.NoError(t, err)
	d, err := client.AddDeferred(func(*Deferred) {})
	require.NoError(t, err)
	require.NoError(t, client.DisableDeferred(d))

	hostFds := len(host.fds)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))
	assert.Len(t, client.fds, 0)
	assert.Equal(t, hostFds+2, len(host.fds), "client wake fd and pipe moved to the host")

	// the disabled deferred stays disabled on the host
	timeout, ready := host.Prepare()
	assert.False(t, ready)
	assert.Greater(t, timeout, 59*time.Minute)

	writeByte(t, w)
	require.NoError(t, host.Iterate())
	assert.Equal(t, 1, ioCalls)

	require.NoError(t, client.ClearSuperloop())
	assert.ErrorIs(t, client.ClearSuperloop(), ErrNoSuperloop)
	assert.Equal(t, hostFds, len(host.fds))
	assert.Empty(t, host.timers)
	assert.Empty(t, host.deferred)

	writeByte(t, w)
	require.NoError(t, client.Iterate())
	assert.Equal(t, 2, ioCalls)

	require.NoError(t, client.ModTimer(tm, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, client.Iterate())
	assert.Equal(t, 1, timerCalls)
}

func TestSuperloop_clientSubmitRunsOnHost(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = client.Submit(func() { host.Quit(0) })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Run(ctx))
	assert.Equal(t, uint64(1), client.Stats().TasksRun)
}

// A loop that hosts a guest and is itself a superloop client: the guest's
// fds reach the outermost host without being dispatched twice.
func TestSuperloop_clientWithSubloop(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	guest := newTestLoop(t)
	r, w := testPipe(t)

	var calls int
	_, err := guest.AddIOWatch(r, EventRead, func(_ *IOWatch, fd int, _ IOEvents) {
		calls++
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		host.Quit(0)
	})
	require.NoError(t, err)

	_, err = client.AddSubloop(guest.SubloopOps())
	require.NoError(t, err)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))

	writeByte(t, w)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Run(ctx))
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), guest.Stats().IOEvents)
}

func TestSuperloop_clientGuestTimer(t *testing.T) {
	host := newTestLoop(t)
	client := newTestLoop(t)
	guest := newTestLoop(t)

	_, err := client.AddSubloop(guest.SubloopOps())
	require.NoError(t, err)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))

	var fired int
	_, err = guest.AddTimer(15*time.Millisecond, 0, func(*Timer) {
		fired++
		host.Quit(0)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Run(ctx))
	assert.Equal(t, 1, fired)
}

func TestSuperloop_destroyClientDetaches(t *testing.T) {
	host := newTestLoop(t)
	client, err := New()
	require.NoError(t, err)
	r, _ := testPipe(t)

	hostFds := len(host.fds)
	require.NoError(t, client.SetSuperloop(host.SuperloopOps()))
	_, err = client.AddIOWatch(r, EventRead, func(*IOWatch, int, IOEvents) {})
	require.NoError(t, err)
	_, err = client.AddTimer(time.Hour, time.Hour, func(*Timer) {})
	require.NoError(t, err)

	client.Destroy()
	assert.Equal(t, hostFds, len(host.fds))
	assert.Empty(t, host.timers)
}

func TestSuperloop_invalid(t *testing.T) {
	l := newTestLoop(t)
	assert.ErrorIs(t, l.SetSuperloop(nil), ErrInvalidArgument)
	assert.ErrorIs(t, l.SetSuperloop(l.SuperloopOps()), ErrInvalidArgument)
	assert.ErrorIs(t, l.ClearSuperloop(), ErrNoSuperloop)

	ops := l.SuperloopOps()
	assert.ErrorIs(t, ops.DelIO("nope"), ErrInvalidHandle)
	assert.ErrorIs(t, ops.DelTimer(1), ErrInvalidHandle)
	assert.ErrorIs(t, ops.EnableDeferred(nil, true), ErrInvalidHandle)
}
