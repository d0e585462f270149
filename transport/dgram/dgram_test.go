package dgram

import (
	"path/filepath"
	"testing"

	"github.com/joeycumines/go-mainloop/codec"
	"github.com/joeycumines/go-mainloop/internal/looptest"
	"github.com/joeycumines/go-mainloop/internal/sockaddr"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/go-mainloop/transport"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newRegistry(t *testing.T, opts ...transport.RegistryOption) *transport.Registry {
	t.Helper()
	r, err := transport.NewRegistry(opts...)
	require.NoError(t, err)
	require.NoError(t, Register(r))
	return r
}

type received struct {
	data []byte
	from string
}

// rawPeer is a plain UDP socket standing in for a remote sender.
func rawPeer(t *testing.T) (int, string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sockaddr.Format(sockaddr.UDP4, sa)
}

// Three datagrams from one peer arrive as three units, each with the
// sender's address and its exact payload.
func TestDgram_preservesBoundaries(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)

	var got []received
	tr, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvRawFrom: func(_ *transport.Transport, data []byte, from transport.Address) {
			got = append(got, received{data: append([]byte(nil), data...), from: from.Text})
		},
	})
	require.NoError(t, err)
	a, err := tr.Resolve("udp4:127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tr.Bind(a))
	local, ok := tr.LocalAddress().Native.(sockaddr.Addr)
	require.True(t, ok)

	peer, peerAddr := rawPeer(t)
	payloads := [][]byte{[]byte("one"), []byte("second datagram"), {}}
	for _, p := range payloads {
		require.NoError(t, unix.Sendto(peer, p, 0, local.Sockaddr))
	}

	looptest.RunUntil(t, loop, func() bool { return len(got) == len(payloads) })
	for i, p := range payloads {
		assert.Equal(t, string(p), string(got[i].data))
		assert.Equal(t, peerAddr, got[i].from)
	}
	require.NoError(t, tr.Destroy())
}

func TestDgram_messageExchange(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)
	dir := t.TempDir()

	var replies []string
	client, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvFrom: func(_ *transport.Transport, m *msg.Msg, _ transport.Address) {
			v, err := msg.Lookup[string](m, 1)
			require.NoError(t, err)
			replies = append(replies, v)
		},
	}, transport.WithMode(transport.ModeMsg))
	require.NoError(t, err)
	ca, err := client.Resolve("unxd:" + filepath.Join(dir, "client.sock"))
	require.NoError(t, err)
	require.NoError(t, client.Bind(ca))

	server, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvFrom: func(s *transport.Transport, m *msg.Msg, from transport.Address) {
			v, err := msg.Lookup[string](m, 1)
			require.NoError(t, err)
			reply := msg.New()
			require.NoError(t, reply.Add(1, "re: "+v))
			require.NoError(t, s.SendTo(reply, from))
		},
	}, transport.WithMode(transport.ModeMsg))
	require.NoError(t, err)
	sa, err := server.Resolve("unxd:" + filepath.Join(dir, "server.sock"))
	require.NoError(t, err)
	require.NoError(t, server.Bind(sa))

	for _, s := range []string{"a", "b"} {
		m := msg.New()
		require.NoError(t, m.Add(1, s))
		require.NoError(t, client.SendTo(m, sa))
	}
	looptest.RunUntil(t, loop, func() bool { return len(replies) == 2 })
	assert.Equal(t, []string{"re: a", "re: b"}, replies)

	assert.ErrorIs(t, client.Disconnect(), transport.ErrInvalidState, "never connected")
	require.NoError(t, client.Destroy())
	require.NoError(t, server.Destroy())
}

func TestDgram_connectedSend(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)

	var got []string
	server, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvRawFrom: func(_ *transport.Transport, data []byte, _ transport.Address) {
			got = append(got, string(data))
		},
	})
	require.NoError(t, err)
	a, err := server.Resolve("udp4:localhost:0")
	require.NoError(t, err)
	require.NoError(t, server.Bind(a))

	client, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvRawFrom: func(*transport.Transport, []byte, transport.Address) {},
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(server.LocalAddress()))
	assert.Equal(t, transport.StateConnected, client.State())
	assert.Equal(t, server.LocalAddress().Text, client.PeerAddress().Text)
	require.NoError(t, client.SendRaw([]byte("hello")))

	other, err := Factory{}.Parse("unxd:/tmp/elsewhere")
	require.NoError(t, err)
	assert.ErrorIs(t, client.SendRawTo([]byte("x"), other), transport.ErrInvalidArgument)

	looptest.RunUntil(t, loop, func() bool { return len(got) == 1 })
	assert.Equal(t, []string{"hello"}, got)
}

// Malformed datagrams are reported and dropped; the transport stays bound,
// and the drop is logged at a limited rate per sender.
func TestDgram_malformedDropped(t *testing.T) {
	logger, logs := looptest.NewLogger()
	loop := looptest.New(t)
	r := newRegistry(t, transport.WithRegistryLogger(logger))

	var msgs, errs int
	tr, err := r.Create(TypeName, loop, transport.Callbacks{
		RecvFrom: func(*transport.Transport, *msg.Msg, transport.Address) { msgs++ },
		Error: func(_ *transport.Transport, err error) {
			assert.ErrorIs(t, err, codec.ErrMalformed)
			errs++
		},
	}, transport.WithMode(transport.ModeMsg))
	require.NoError(t, err)
	a, err := tr.Resolve("udp4:127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tr.Bind(a))
	local := tr.LocalAddress().Native.(sockaddr.Addr)

	peer, _ := rawPeer(t)
	const bad = 20
	for i := 0; i < bad; i++ {
		require.NoError(t, unix.Sendto(peer, []byte{0, 0, 0xff}, 0, local.Sockaddr))
	}
	good, err := msg.Marshal(msg.New())
	require.NoError(t, err)
	require.NoError(t, unix.Sendto(peer, good, 0, local.Sockaddr))

	looptest.RunUntil(t, loop, func() bool { return msgs == 1 })
	assert.Equal(t, bad, errs)
	assert.Equal(t, transport.StateBound, tr.State())
	dropped := logs.Count(logiface.LevelWarning, `dgram: dropped datagram`)
	assert.GreaterOrEqual(t, dropped, 1)
	assert.Less(t, dropped, bad)
}

func TestDgram_wrap(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	var got []string
	tr, err := r.CreateFrom(TypeName, fds[0], loop, transport.Callbacks{
		RecvRawFrom: func(_ *transport.Transport, data []byte, from transport.Address) {
			assert.Equal(t, "unxd", from.Network)
			got = append(got, string(data))
		},
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StateConnected, tr.State())

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)
	looptest.RunUntil(t, loop, func() bool { return len(got) == 1 })
	require.NoError(t, tr.SendRaw([]byte("pong")))
	buf := make([]byte, 16)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	stream, _, err := socketpairStream(t)
	require.NoError(t, err)
	_, err = r.CreateFrom(TypeName, stream, loop, transport.Callbacks{
		RecvRawFrom: func(*transport.Transport, []byte, transport.Address) {},
	})
	assert.ErrorIs(t, err, transport.ErrInvalidArgument)
	assert.Equal(t, 1, r.Live(TypeName))
}

func socketpairStream(t *testing.T) (int, int, error) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err == nil {
		t.Cleanup(func() { _ = unix.Close(fds[1]) })
	}
	return fds[0], fds[1], err
}

// A send refused by a full socket buffer fires Drained once the peer has
// read, and only once.
func TestDgram_drained(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	require.NoError(t, unix.SetNonblock(fds[1], true))

	var drained, received int
	tr, err := r.CreateFrom(TypeName, fds[0], loop, transport.Callbacks{
		RecvRawFrom: func(*transport.Transport, []byte, transport.Address) { received++ },
		Drained:     func(*transport.Transport) { drained++ },
	})
	require.NoError(t, err)

	payload := make([]byte, 1024)
	var sent int
	for {
		err = tr.SendRaw(payload)
		if err != nil {
			break
		}
		sent++
		require.Less(t, sent, 100000, "socket never filled")
	}
	require.ErrorIs(t, err, transport.ErrWouldBlock)
	assert.ErrorIs(t, tr.SendRaw(payload), transport.ErrWouldBlock)
	assert.Equal(t, 0, drained)

	buf := make([]byte, 2048)
	for {
		if _, err := unix.Read(fds[1], buf); err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			break
		}
	}
	looptest.RunUntil(t, loop, func() bool { return drained == 1 })
	require.NoError(t, tr.SendRaw(payload))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)
	looptest.RunUntil(t, loop, func() bool { return received == 1 })
	assert.Equal(t, 1, drained)
}

// A datagram larger than the receive buffer is reported through Error and
// dropped, and the transport keeps receiving.
func TestDgram_truncatedReported(t *testing.T) {
	loop := looptest.New(t)
	r := newRegistry(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	var got []string
	var errs []error
	tr, err := r.CreateFrom(TypeName, fds[0], loop, transport.Callbacks{
		RecvRawFrom: func(_ *transport.Transport, data []byte, _ transport.Address) {
			got = append(got, string(data))
		},
		Error: func(_ *transport.Transport, err error) { errs = append(errs, err) },
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], make([]byte, maxDatagram+1))
	require.NoError(t, err)
	_, err = unix.Write(fds[1], []byte("after"))
	require.NoError(t, err)

	looptest.RunUntil(t, loop, func() bool { return len(got) == 1 })
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], codec.ErrMalformed)
	assert.Equal(t, []string{"after"}, got)
	assert.Equal(t, transport.StateConnected, tr.State())
}
