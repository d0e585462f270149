package transport

import (
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/logiface"
)

// Address is a resolved transport address.
type Address struct {
	// Network is the address prefix, such as "tcp4" or "dbus".
	Network string
	// Text is the textual form, accepted by Resolve.
	Text string
	// Native is the backend's representation.
	Native any
}

func (x Address) String() string { return x.Text }

// IsZero reports whether x is the zero Address.
func (x Address) IsZero() bool { return x.Text == "" && x.Native == nil }

// Factory creates backend instances of one registered type.
type Factory interface {
	// Parse resolves address synchronously, failing with an error wrapping
	// ErrMalformedAddress if it is not an address of this type. Registry.Resolve
	// uses it to pick a type by address prefix.
	Parse(address string) (Address, error)

	// New returns an unconnected backend.
	New(h Host) (Backend, error)

	// Wrap returns a connected backend around an already-open handle, such
	// as a socket fd.
	Wrap(h Host, handle any) (Backend, error)
}

// Backend is the per-transport implementation of one addressing and
// connection model. Methods are called on the loop goroutine, and only in
// states where the operation is valid.
type Backend interface {
	// Resolve returns the address, or ErrInProgress after which the
	// backend calls Host.ResolveDone exactly once.
	Resolve(address string) (Address, error)
	Bind(addr Address) error
	Listen(backlog int) error
	// Accept takes one pending connection as a new connected backend.
	// ErrWouldBlock means no connection is pending.
	Accept(h Host) (Backend, error)
	// Connect returns nil once connected, or ErrInProgress after which the
	// backend calls Host.ConnectDone exactly once, unless disconnected or
	// closed first.
	Connect(addr Address) error
	Disconnect() error
	Send(payload []byte) error
	SendTo(payload []byte, addr Address) error
	// Close releases every resource. It is called once.
	Close()
}

// Addresser is implemented by backends that know their actual socket
// addresses, which can differ from the requested ones (an ephemeral port, or
// the peer of an accepted connection).
type Addresser interface {
	LocalAddress() Address
	PeerAddress() Address
}

// Host is the transport side of a backend, used to report events.
type Host interface {
	Loop() *mainloop.Loop
	Logger() *logiface.Logger[logiface.Event]
	Settings() Settings

	// Deliver hands over one received unit: a datagram or bus message on
	// backends with CapPreservesBoundaries, a chunk of the byte stream
	// otherwise. from is nil for connection-oriented backends. The payload
	// is not retained.
	//
	// A non-nil error tells the backend to stop reading for this readiness
	// event: ErrStopped when the transport no longer accepts data, or a
	// protocol error wrapping codec.ErrMalformed. Fatal protocol errors have
	// already closed the transport and been logged; non-fatal ones (on
	// connectionless backends) are left to the backend to log.
	Deliver(payload []byte, from *Address) error

	// Malformed reports a received unit the backend itself rejected, such as
	// a truncated datagram. It fires the Error callback and returns the same
	// errors as Deliver would have.
	Malformed(err error) error

	// Incoming reports a connection ready for Accept.
	Incoming()
	ConnectDone(err error)
	ResolveDone(addr Address, err error)
	// PeerClosed reports that the peer went away. The backend must have
	// released its connection state already.
	PeerClosed(err error)
	Drained()

	// Hold and Release bracket a backend-specific asynchronous request.
	// Destruction is deferred while requests are held.
	Hold()
	Release()
}
