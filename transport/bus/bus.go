// Package bus implements the message-bus transport backend, addressed as
// "dbus:<bus>@<name><path>": a unique or well-known bus name and the object
// path messages are delivered to.
//
// Binding acquires the name (unless it is the connection's unique name) and
// subscribes to the path. Connecting follows the peer's name: the transport
// is Connected once the name has an owner, and Closed when that owner goes
// away. Resolving a well-known name looks up its owner on the bus, so it
// completes through the Resolved callback.
//
// The bus clients come from a bus.Dialer, one per loop and bus, shared by
// the transports using them and embedded in the loop as a subloop.
package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mbus "github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/transport"
)

// TypeName is the name the backend registers under.
const TypeName = "bus"

// Caps are the capabilities the backend registers with.
const Caps = transport.CapBusAddressed | transport.CapPreservesBoundaries | transport.CapAsyncResolve

// Register adds the bus backend to r, connecting to buses with dial.
func Register(r *transport.Registry, dial mbus.Dialer) error {
	return r.Register(TypeName, NewFactory(dial), Caps)
}

// Factory creates bus backends.
type Factory struct {
	pool *pool
}

var _ transport.Factory = (*Factory)(nil)

// NewFactory returns a Factory connecting to buses with dial.
func NewFactory(dial mbus.Dialer) *Factory {
	return &Factory{pool: &pool{dial: dial, conns: make(map[connKey]*conn)}}
}

func (f *Factory) Parse(address string) (transport.Address, error) {
	a, err := ParseAddr(address)
	if err != nil {
		return transport.Address{}, err
	}
	return a.toAddress(), nil
}

func (f *Factory) New(h transport.Host) (transport.Backend, error) {
	return &backend{h: h, pool: f.pool}, nil
}

func (f *Factory) Wrap(transport.Host, any) (transport.Backend, error) {
	return nil, fmt.Errorf("%w: bus transports cannot wrap a handle", transport.ErrNotSupported)
}

type backend struct {
	h    transport.Host
	pool *pool
	c    *conn

	local, peer Addr
	// owned is the well-known name acquired by Bind
	owned      string
	subscribed bool
	// following is the peer name while connecting or connected
	following  string
	connecting bool
	connected  bool
}

var (
	_ transport.Backend   = (*backend)(nil)
	_ transport.Addresser = (*backend)(nil)
)

// conn returns the shared client for busName, acquiring it on first use. A
// backend stays on the first bus it used.
func (b *backend) conn(busName string) (*conn, error) {
	if b.c != nil {
		if b.c.key.bus != busName {
			return nil, fmt.Errorf("%w: transport is on bus %q, not %q", transport.ErrInvalidArgument, b.c.key.bus, busName)
		}
		return b.c, nil
	}
	c, err := b.pool.acquire(b.h.Loop(), busName)
	if err != nil {
		return nil, err
	}
	b.c = c
	return c, nil
}

func (b *backend) Resolve(address string) (transport.Address, error) {
	a, err := ParseAddr(address)
	if err != nil {
		return transport.Address{}, err
	}
	if a.Owner != "" {
		return a.toAddress(), nil
	}
	c, err := b.conn(a.Bus)
	if err != nil {
		return transport.Address{}, err
	}
	err = c.client.LookupOwner(a.Name, func(_, owner string, err error) {
		if err != nil {
			b.h.ResolveDone(transport.Address{}, fmt.Errorf("bus: resolve %q: %w", a.Name, err))
			return
		}
		a.Owner = owner
		b.h.ResolveDone(a.toAddress(), nil)
	})
	if err != nil {
		return transport.Address{}, fmt.Errorf("bus: resolve %q: %w", a.Name, err)
	}
	return transport.Address{}, transport.ErrInProgress
}

func (b *backend) Bind(addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	c, err := b.conn(a.Bus)
	if err != nil {
		return err
	}
	self := c.client.UniqueName()
	switch {
	case a.Name == self:
	case unique(a.Name):
		return fmt.Errorf("%w: %q is another connection's name", transport.ErrInvalidArgument, a.Name)
	default:
		if err := c.client.AcquireName(a.Name); err != nil {
			return err
		}
		b.owned = a.Name
	}
	if err := c.client.Subscribe(a.Path, b.receive); err != nil {
		b.releaseName()
		return err
	}
	b.subscribed = true
	a.Owner = self
	b.local = a
	return nil
}

// autobind subscribes to a fresh path under the connection's unique name.
func (b *backend) autobind(c *conn) error {
	self := c.client.UniqueName()
	path := "/io/github/joeycumines/mainloop/t_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
	if err := c.client.Subscribe(path, b.receive); err != nil {
		return err
	}
	b.subscribed = true
	b.local = Addr{Bus: c.key.bus, Name: self, Path: path, Owner: self}
	return nil
}

func (b *backend) Listen(int) error { return transport.ErrNotSupported }

func (b *backend) Accept(transport.Host) (transport.Backend, error) {
	return nil, transport.ErrNotSupported
}

// Connect follows the peer's name. The first owner report completes the
// connection, and the peer is the connection owning the name at that point.
func (b *backend) Connect(addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	c, err := b.conn(a.Bus)
	if err != nil {
		return err
	}
	autobound := !b.subscribed
	if autobound {
		if err := b.autobind(c); err != nil {
			return err
		}
	}
	if err := c.follow(a.Name, b); err != nil {
		if autobound {
			b.unsubscribe()
			b.local = Addr{}
		}
		return err
	}
	a.Owner = ""
	b.peer = a
	b.following = a.Name
	b.connecting = true
	return transport.ErrInProgress
}

func (b *backend) ownerChanged(owner string, err error) {
	switch {
	case b.connecting:
		b.connecting = false
		if err == nil && owner == "" {
			err = fmt.Errorf("%w: %q", mbus.ErrNoOwner, b.peer.Name)
		}
		if err != nil {
			b.teardown()
			b.h.ConnectDone(err)
			return
		}
		b.peer.Owner = owner
		b.connected = true
		b.h.ConnectDone(nil)

	case b.connected:
		if err == nil && owner == b.peer.Owner {
			return
		}
		b.h.Logger().Debug().
			Str(`peer`, b.peer.String()).
			Str(`owner`, owner).
			Err(err).
			Log(`bus: peer lost its name`)
		// the name passing to another connection ends this peer too
		b.teardown()
		b.h.PeerClosed(err)
	}
}

func (b *backend) receive(m mbus.Message) {
	from := Addr{Bus: b.c.key.bus, Name: m.Sender, Path: m.SenderPath, Owner: m.Sender}
	if !mbus.ValidPath(from.Path) {
		b.h.Logger().Debug().Str(`sender`, m.Sender).Log(`bus: dropped message without a reply path`)
		return
	}
	if b.connected && m.Sender != b.peer.Owner {
		b.h.Logger().Debug().
			Str(`sender`, m.Sender).
			Str(`peer`, b.peer.String()).
			Log(`bus: dropped message from outside the connection`)
		return
	}
	fa := from.toAddress()
	// errors have been reported by the transport, and each message stands
	// alone
	_ = b.h.Deliver(m.Payload, &fa)
}

func (b *backend) Disconnect() error {
	b.teardown()
	return nil
}

func (b *backend) Send(payload []byte) error {
	if !b.connected {
		return transport.ErrInvalidState
	}
	return b.send(payload, b.peer)
}

func (b *backend) SendTo(payload []byte, addr transport.Address) error {
	a, err := native(addr)
	if err != nil {
		return err
	}
	if b.c == nil || a.Bus != b.c.key.bus {
		return fmt.Errorf("%w: cannot send to bus %q from %q", transport.ErrInvalidArgument, a.Bus, b.local.Bus)
	}
	return b.send(payload, a)
}

func (b *backend) send(payload []byte, to Addr) error {
	err := b.c.client.Send(mbus.Message{
		SenderPath: b.local.Path,
		Dest:       to.dest(),
		Path:       to.Path,
		Payload:    payload,
	})
	if errors.Is(err, mbus.ErrInvalidName) {
		return fmt.Errorf("%w: %w", transport.ErrInvalidArgument, err)
	}
	return err
}

func (b *backend) LocalAddress() transport.Address {
	if !b.subscribed {
		return transport.Address{}
	}
	return b.local.toAddress()
}

func (b *backend) PeerAddress() transport.Address {
	if !b.connected {
		return transport.Address{}
	}
	return b.peer.toAddress()
}

func (b *backend) releaseName() {
	if b.owned == "" {
		return
	}
	if err := b.c.client.ReleaseName(b.owned); err != nil {
		b.h.Logger().Debug().Str(`name`, b.owned).Err(err).Log(`bus: failed to release name`)
	}
	b.owned = ""
}

func (b *backend) unsubscribe() {
	if !b.subscribed {
		return
	}
	if err := b.c.client.Unsubscribe(b.local.Path); err != nil {
		b.h.Logger().Debug().Str(`path`, b.local.Path).Err(err).Log(`bus: failed to unsubscribe`)
	}
	b.subscribed = false
}

// teardown drops the binding and connection, keeping the client.
func (b *backend) teardown() {
	if b.c == nil {
		return
	}
	if b.following != "" {
		b.c.forget(b.following, b)
		b.following = ""
	}
	b.unsubscribe()
	b.releaseName()
	b.local, b.peer = Addr{}, Addr{}
	b.connecting, b.connected = false, false
}

func (b *backend) Close() {
	b.teardown()
	if b.c != nil {
		b.c.release()
		b.c = nil
	}
}
