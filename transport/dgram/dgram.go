// Package dgram implements the datagram transport backend over UDP and unix
// datagram sockets, addressed as "udp4:host:port", "udp6:[host]:port" or
// "unxd:path". Each datagram is one unit, reported with its sender.
package dgram

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-mainloop/codec"
	"github.com/joeycumines/go-mainloop/internal/sockaddr"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/transport"
	"golang.org/x/sys/unix"
)

const (
	// TypeName is the name the backend registers under.
	TypeName = "dgram"
	// Caps are the capabilities the backend registers with.
	Caps = transport.CapConnectionless | transport.CapPreservesBoundaries
)

const (
	maxDatagram = 64 * 1024
	// readBatch bounds the datagrams read per readiness event, so one busy
	// socket cannot starve the rest of the loop
	readBatch = 16
)

var networks = []sockaddr.Network{sockaddr.UDP4, sockaddr.UDP6, sockaddr.UnixDgram}

// errorLogRates limits the protocol errors logged per sending peer.
var errorLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Register adds the datagram backend to r.
func Register(r *transport.Registry) error {
	return r.Register(TypeName, Factory{}, Caps)
}

// Factory creates datagram backends.
type Factory struct{}

var _ transport.Factory = Factory{}

// Parse accepts udp4, udp6 and unxd addresses.
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

// Wrap adopts a datagram socket, passed as an int fd, which is owned by the
// backend from then on.
func (Factory) Wrap(h transport.Host, handle any) (transport.Backend, error) {
	fd, ok := handle.(int)
	if !ok || fd < 0 {
		return nil, fmt.Errorf("%w: dgram handle must be an fd, got %T", transport.ErrInvalidArgument, handle)
	}
	b := &backend{h: h, fd: fd}
	if err := b.adopt(); err != nil {
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

type backend struct {
	h       transport.Host
	watch   *mainloop.IOWatch
	limiter *catrate.Limiter
	rbuf    []byte
	network sockaddr.Network
	unlink  string
	local   transport.Address
	peer    transport.Address
	fd      int
	// blocked is set while a send failed with EAGAIN, and the watch waits
	// for the socket to become writable
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

func (b *backend) adopt() error {
	typ, err := unix.GetsockoptInt(b.fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return fmt.Errorf("dgram: SO_TYPE: %w", err)
	}
	if typ != unix.SOCK_DGRAM {
		return fmt.Errorf("%w: socket type %d is not a datagram socket", transport.ErrInvalidArgument, typ)
	}
	sa, err := unix.Getsockname(b.fd)
	if err != nil {
		return fmt.Errorf("dgram: getsockname: %w", err)
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		b.network = sockaddr.UDP4
	case *unix.SockaddrInet6:
		b.network = sockaddr.UDP6
	case *unix.SockaddrUnix:
		b.network = sockaddr.UnixDgram
	default:
		return fmt.Errorf("%w: unsupported socket family %T", transport.ErrInvalidArgument, sa)
	}
	if err := unix.SetNonblock(b.fd, true); err != nil {
		return fmt.Errorf("dgram: %w", err)
	}
	if sa, err := unix.Getpeername(b.fd); err == nil {
		b.peer = toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
	}
	return b.start()
}

func (b *backend) socket(n sockaddr.Network) error {
	if b.fd >= 0 {
		if b.network != n {
			return fmt.Errorf("%w: %s socket cannot use a %s address", transport.ErrInvalidArgument, b.network, n)
		}
		return nil
	}
	fd, err := unix.Socket(n.Family(), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("dgram: socket: %w", err)
	}
	if n == sockaddr.UDP6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("dgram: IPV6_V6ONLY: %w", err)
		}
	}
	b.fd = fd
	b.network = n
	return nil
}

// start records the local address and begins reading.
func (b *backend) start() error {
	if sa, err := unix.Getsockname(b.fd); err == nil {
		b.local = toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
	}
	if b.watch != nil {
		return nil
	}
	w, err := b.h.Loop().AddIOWatch(b.fd, mainloop.EventRead, b.onReady)
	if err != nil {
		return err
	}
	b.watch = w
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
	path, isPath := a.Path()
	if settings.ReuseAddr {
		if isPath {
			_ = unix.Unlink(path)
		} else if a.Network != sockaddr.UnixDgram {
			if err := unix.SetsockoptInt(b.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return fmt.Errorf("dgram: SO_REUSEADDR: %w", err)
			}
		}
	}
	if err := unix.Bind(b.fd, a.Sockaddr); err != nil {
		return fmt.Errorf("dgram: bind %s: %w", a, err)
	}
	if isPath {
		b.unlink = path
	}
	return b.start()
}

func (b *backend) Listen(int) error { return transport.ErrNotSupported }

func (b *backend) Accept(transport.Host) (transport.Backend, error) {
	return nil, transport.ErrNotSupported
}

// Connect sets the default destination, and restricts received datagrams
// to that peer.
func (b *backend) Connect(addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	if err := b.socket(a.Network); err != nil {
		return err
	}
	if err := unix.Connect(b.fd, a.Sockaddr); err != nil {
		return fmt.Errorf("dgram: connect %s: %w", a, err)
	}
	b.peer = toAddress(a)
	return b.start()
}

func (b *backend) onReady(_ *mainloop.IOWatch, _ int, events mainloop.IOEvents) {
	if events&mainloop.EventWrite != 0 && b.blocked {
		b.unblock()
		if b.fd < 0 {
			return
		}
	}
	if events&^mainloop.EventWrite == 0 {
		return
	}
	b.onReadable()
}

func (b *backend) onReadable() {
	if b.rbuf == nil {
		b.rbuf = make([]byte, maxDatagram)
	}
	for i := 0; i < readBatch; i++ {
		n, sa, err := unix.Recvfrom(b.fd, b.rbuf, unix.MSG_TRUNC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				// e.g. ECONNREFUSED from an ICMP error on a connected socket
				b.h.Logger().Debug().
					Str(`local`, b.local.Text).
					Err(err).
					Log(`dgram: receive failed`)
			}
			return
		}
		from := toAddress(sockaddr.Addr{Network: b.network, Sockaddr: sa})
		if n > len(b.rbuf) {
			err = b.h.Malformed(fmt.Errorf("%w: datagram of %d bytes truncated", codec.ErrMalformed, n))
		} else {
			err = b.h.Deliver(b.rbuf[:n], &from)
		}
		if errors.Is(err, transport.ErrStopped) || b.fd < 0 {
			// disconnected or destroyed by a callback
			return
		}
		if err != nil {
			b.logDropped(from, err)
		}
	}
}

// logDropped logs a discarded datagram, rate limited per sender.
func (b *backend) logDropped(from transport.Address, err error) {
	if b.limiter == nil {
		b.limiter = catrate.NewLimiter(errorLogRates)
	}
	if _, ok := b.limiter.Allow(from.Text); !ok {
		return
	}
	b.h.Logger().Warning().
		Str(`local`, b.local.Text).
		Str(`from`, from.Text).
		Err(err).
		Log(`dgram: dropped datagram`)
}

func (b *backend) Disconnect() error {
	b.teardown()
	return nil
}

func (b *backend) Send(payload []byte) error {
	if b.fd < 0 {
		return fmt.Errorf("%w: dgram socket not open", transport.ErrInvalidState)
	}
	_, err := unix.SendmsgN(b.fd, payload, nil, nil, unix.MSG_NOSIGNAL)
	return b.sendError(err)
}

func (b *backend) SendTo(payload []byte, addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	if a.Network != b.network {
		return fmt.Errorf("%w: %s socket cannot send to %s", transport.ErrInvalidArgument, b.network, a)
	}
	if b.fd < 0 {
		return fmt.Errorf("%w: dgram socket not open", transport.ErrInvalidState)
	}
	return b.sendError(unix.Sendto(b.fd, payload, unix.MSG_NOSIGNAL, a.Sockaddr))
}

func (b *backend) sendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN):
		if err := b.block(); err != nil {
			return err
		}
		return transport.ErrWouldBlock
	}
	return fmt.Errorf("dgram: send: %w", err)
}

// block waits for the socket to become writable, to fire Drained.
func (b *backend) block() error {
	if b.blocked || b.watch == nil {
		return nil
	}
	if err := b.h.Loop().ModIOWatch(b.watch, mainloop.EventRead|mainloop.EventWrite); err != nil {
		return fmt.Errorf("dgram: watch writable: %w", err)
	}
	b.blocked = true
	return nil
}

func (b *backend) unblock() {
	b.blocked = false
	if err := b.h.Loop().ModIOWatch(b.watch, mainloop.EventRead); err != nil {
		b.h.Logger().Debug().Err(err).Log(`dgram: failed to modify watch`)
	}
	b.h.Drained()
}

func (b *backend) teardown() {
	if b.watch != nil {
		if err := b.h.Loop().DelIOWatch(b.watch); err != nil {
			b.h.Logger().Debug().Err(err).Log(`dgram: failed to remove watch`)
		}
		b.watch = nil
	}
	b.blocked = false
	if b.fd >= 0 {
		_ = unix.Close(b.fd)
		b.fd = -1
	}
	if b.unlink != "" {
		_ = unix.Unlink(b.unlink)
		b.unlink = ""
	}
	b.local = transport.Address{}
	b.peer = transport.Address{}
}

func (b *backend) Close() {
	b.teardown()
	b.rbuf = nil
	b.limiter = nil
}
