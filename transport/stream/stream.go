// Package stream implements the byte-stream transport backend over TCP and
// unix stream sockets, addressed as "tcp4:host:port", "tcp6:[host]:port" or
// "unxs:path" ("unxs:@name" for the abstract namespace).
//
// Sockets are non-blocking and driven by the transport's loop: connects
// complete through a writable watch, and output that the kernel does not
// take immediately is queued until the socket drains.
package stream

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-mainloop/internal/sockaddr"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/transport"
	"golang.org/x/sys/unix"
)

// TypeName is the name the backend registers under.
const TypeName = "stream"

// Caps are the capabilities the backend registers with.
const Caps = transport.CapConnectionOriented | transport.CapListen

const readSize = 64 * 1024

var networks = []sockaddr.Network{sockaddr.TCP4, sockaddr.TCP6, sockaddr.UnixStream}

// Register adds the stream backend to r.
func Register(r *transport.Registry) error {
	return r.Register(TypeName, Factory{}, Caps)
}

// Factory creates stream backends.
type Factory struct{}

var _ transport.Factory = Factory{}

// Parse accepts tcp4, tcp6 and unxs addresses.
func (Factory) Parse(address string) (transport.Address, error) {
	a, err := sockaddr.Parse(address, networks...)
	if err != nil {
		return transport.Address{}, fmt.Errorf("%w: %w", transport.ErrMalformedAddress, err)
	}
	return toAddress(a), nil
}

func (Factory) New(h transport.Host) (transport.Backend, error) {
	return &backend{h: h, fd: -1}, nil
}

// Wrap adopts a connected stream socket, passed as an int fd. The backend
// owns the fd from then on, even if Wrap fails.
func (Factory) Wrap(h transport.Host, handle any) (transport.Backend, error) {
	fd, ok := handle.(int)
	if !ok || fd < 0 {
		return nil, fmt.Errorf("%w: stream handle must be an fd, got %T", transport.ErrInvalidArgument, handle)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stream: getsockname: %w", err)
	}
	var n sockaddr.Network
	switch sa.(type) {
	case *unix.SockaddrInet4:
		n = sockaddr.TCP4
	case *unix.SockaddrInet6:
		n = sockaddr.TCP6
	case *unix.SockaddrUnix:
		n = sockaddr.UnixStream
	default:
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: unsupported socket family %T", transport.ErrInvalidArgument, sa)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stream: %w", err)
	}
	b := &backend{h: h, fd: fd, network: n}
	if err := b.startConnected(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func toAddress(a sockaddr.Addr) transport.Address {
	return transport.Address{Network: string(a.Network), Text: a.String(), Native: a}
}

func native(addr transport.Address) (sockaddr.Addr, error) {
	if a, ok := addr.Native.(sockaddr.Addr); ok {
		return a, nil
	}
	a, err := sockaddr.Parse(addr.Text, networks...)
	if err != nil {
		return sockaddr.Addr{}, fmt.Errorf("%w: %w", transport.ErrMalformedAddress, err)
	}
	return a, nil
}

type chunk struct {
	b []byte
}

type backend struct {
	h       transport.Host
	watch   *mainloop.IOWatch
	out     *queue.Queue
	rbuf    []byte
	network sockaddr.Network
	// unlink is the socket file to remove on close, for a bound unix socket
	unlink string
	local  transport.Address
	peer   transport.Address
	fd     int
	queued int

	listening  bool
	connecting bool
	// blocked is set once a send failed with ErrWouldBlock, and cleared
	// (firing Drained) when the queue empties
	blocked bool
}

var (
	_ transport.Backend   = (*backend)(nil)
	_ transport.Addresser = (*backend)(nil)
)

func (b *backend) LocalAddress() transport.Address { return b.local }

func (b *backend) PeerAddress() transport.Address { return b.peer }

func (b *backend) Resolve(address string) (transport.Address, error) {
	return Factory{}.Parse(address)
}

// socket opens the socket for network n, if not open already.
func (b *backend) socket(n sockaddr.Network) error {
	if b.fd >= 0 {
		if b.network != n {
			return fmt.Errorf("%w: %s socket cannot use a %s address", transport.ErrInvalidArgument, b.network, n)
		}
		return nil
	}
	fd, err := unix.Socket(n.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("stream: socket: %w", err)
	}
	if n == sockaddr.TCP6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("stream: IPV6_V6ONLY: %w", err)
		}
	}
	if n != sockaddr.UnixStream {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("stream: TCP_NODELAY: %w", err)
		}
	}
	b.fd = fd
	b.network = n
	return nil
}

func (b *backend) Bind(addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	if err := b.socket(a.Network); err != nil {
		return err
	}
	settings := b.h.Settings()
	if settings.ReuseAddr && a.Network != sockaddr.UnixStream {
		if err := unix.SetsockoptInt(b.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("stream: SO_REUSEADDR: %w", err)
		}
	}
	path, isPath := a.Path()
	if isPath && settings.ReuseAddr {
		// a stale socket file from a previous run would fail the bind
		_ = unix.Unlink(path)
	}
	if err := unix.Bind(b.fd, a.Sockaddr); err != nil {
		return fmt.Errorf("stream: bind %s: %w", a, err)
	}
	if isPath {
		b.unlink = path
	}
	b.local = b.sockname()
	return nil
}

func (b *backend) sockname() transport.Address {
	sa, err := unix.Getsockname(b.fd)
	if err != nil {
		return transport.Address{}
	}
	return toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
}

func (b *backend) Listen(backlog int) error {
	if err := unix.Listen(b.fd, backlog); err != nil {
		return fmt.Errorf("stream: listen: %w", err)
	}
	w, err := b.h.Loop().AddIOWatch(b.fd, mainloop.EventRead, b.onListenReady)
	if err != nil {
		return err
	}
	b.watch = w
	b.listening = true
	return nil
}

func (b *backend) onListenReady(*mainloop.IOWatch, int, mainloop.IOEvents) {
	b.h.Incoming()
}

func (b *backend) Accept(h transport.Host) (transport.Backend, error) {
	fd, sa, err := unix.Accept4(b.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, transport.ErrWouldBlock
		}
		return nil, fmt.Errorf("stream: accept: %w", err)
	}
	child := &backend{h: h, fd: fd, network: b.network}
	if b.network != sockaddr.UnixStream {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if err := child.startConnected(); err != nil {
		child.Close()
		return nil, err
	}
	if sa != nil {
		child.peer = toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
	}
	return child, nil
}

// startConnected begins reading a connected socket.
func (b *backend) startConnected() error {
	b.local = b.sockname()
	if b.peer.IsZero() {
		if sa, err := unix.Getpeername(b.fd); err == nil {
			b.peer = toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
		}
	}
	return b.watchEvents(mainloop.EventRead)
}

// watchEvents sets the interest mask, creating the watch on first use.
func (b *backend) watchEvents(events mainloop.IOEvents) error {
	if b.watch == nil {
		w, err := b.h.Loop().AddIOWatch(b.fd, events, b.onReady)
		if err != nil {
			return err
		}
		b.watch = w
		return nil
	}
	if b.watch.Events() == events {
		return nil
	}
	return b.h.Loop().ModIOWatch(b.watch, events)
}

func (b *backend) connectedEvents() mainloop.IOEvents {
	if b.out != nil && b.out.Length() != 0 {
		return mainloop.EventRead | mainloop.EventWrite
	}
	return mainloop.EventRead
}

func (b *backend) Connect(addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	if err := b.socket(a.Network); err != nil {
		return err
	}
	b.peer = addr
	err = unix.Connect(b.fd, a.Sockaddr)
	switch {
	case err == nil:
		return b.startConnected()
	case errors.Is(err, unix.EINPROGRESS):
		b.connecting = true
		if err := b.watchEvents(mainloop.EventWrite); err != nil {
			return err
		}
		return transport.ErrInProgress
	}
	b.peer = transport.Address{}
	if errors.Is(err, unix.EAGAIN) {
		// unix sockets refuse instead of queueing once the backlog is full
		return fmt.Errorf("stream: connect %s: %w", a, transport.ErrWouldBlock)
	}
	return fmt.Errorf("stream: connect %s: %w", a, err)
}

func (b *backend) onReady(_ *mainloop.IOWatch, _ int, events mainloop.IOEvents) {
	if b.connecting {
		b.finishConnect()
		return
	}
	if events&mainloop.EventWrite != 0 {
		if !b.flush() {
			return
		}
	}
	if events&(mainloop.EventRead|mainloop.EventHangup|mainloop.EventError) != 0 {
		b.read()
	}
}

func (b *backend) finishConnect() {
	b.connecting = false
	soErr, err := unix.GetsockoptInt(b.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err == nil {
		err = b.startConnected()
	}
	if err != nil {
		b.teardown()
		b.h.ConnectDone(fmt.Errorf("stream: connect %s: %w", b.peer, err))
		return
	}
	b.h.ConnectDone(nil)
}

func (b *backend) read() {
	if b.rbuf == nil {
		b.rbuf = make([]byte, readSize)
	}
	n, err := unix.Read(b.fd, b.rbuf)
	switch {
	case err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)):
	case err != nil:
		b.peerClosed(err)
	case n == 0:
		b.peerClosed(nil)
	default:
		// the transport may be disconnected or destroyed by now, in which
		// case the fd must not be touched again
		_ = b.h.Deliver(b.rbuf[:n], nil)
	}
}

func (b *backend) peerClosed(err error) {
	b.teardown()
	if err != nil {
		err = fmt.Errorf("stream: %w", err)
	}
	b.h.PeerClosed(err)
}

func (b *backend) Disconnect() error {
	b.teardown()
	return nil
}

func (b *backend) Send(payload []byte) error {
	if b.fd < 0 || b.connecting || b.listening {
		return fmt.Errorf("%w: stream not connected", transport.ErrInvalidState)
	}
	if b.out == nil {
		b.out = queue.New()
	}
	if b.out.Length() == 0 {
		n, err := unix.SendmsgN(b.fd, payload, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("stream: send: %w", err)
		}
		if n == len(payload) {
			return nil
		}
		if n > 0 {
			payload = payload[n:]
		}
	} else if hwm := b.h.Settings().HighWaterMark; hwm > 0 && b.queued+len(payload) > hwm {
		b.blocked = true
		return transport.ErrWouldBlock
	}
	b.out.Add(&chunk{b: append([]byte(nil), payload...)})
	b.queued += len(payload)
	return b.watchEvents(b.connectedEvents())
}

// flush writes queued output, reporting false if the connection failed.
func (b *backend) flush() bool {
	for b.out != nil && b.out.Length() != 0 {
		c := b.out.Peek().(*chunk)
		n, err := unix.SendmsgN(b.fd, c.b, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			b.peerClosed(err)
			return false
		}
		b.queued -= n
		if c.b = c.b[n:]; len(c.b) == 0 {
			b.out.Remove()
		}
	}
	if err := b.watchEvents(b.connectedEvents()); err != nil {
		b.h.Logger().Err().Err(err).Log(`stream: failed to update watch`)
	}
	if b.blocked && b.queued == 0 {
		b.blocked = false
		b.h.Drained()
		return b.fd >= 0
	}
	return true
}

func (b *backend) SendTo([]byte, transport.Address) error {
	return transport.ErrNotSupported
}

// teardown closes the socket, leaving the backend reusable for a new
// connection.
func (b *backend) teardown() {
	if b.watch != nil {
		if err := b.h.Loop().DelIOWatch(b.watch); err != nil {
			b.h.Logger().Debug().Err(err).Log(`stream: failed to remove watch`)
		}
		b.watch = nil
	}
	if b.fd >= 0 {
		_ = unix.Close(b.fd)
		b.fd = -1
	}
	if b.unlink != "" {
		_ = unix.Unlink(b.unlink)
		b.unlink = ""
	}
	b.out = nil
	b.queued = 0
	b.blocked = false
	b.listening = false
	b.connecting = false
	b.local = transport.Address{}
	b.peer = transport.Address{}
}

func (b *backend) Close() {
	b.teardown()
	b.rbuf = nil
}
