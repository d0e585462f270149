package bus

import (
	"fmt"
	"strings"

	mbus "github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/transport"
)

// Network is the address prefix of the bus backend.
const Network = "dbus"

// Addr is the native form of a bus address, "dbus:<bus>@<name><path>".
type Addr struct {
	// Bus selects the bus, passed to the Dialer, such as "session".
	Bus string
	// Name is a unique or well-known bus name.
	Name string
	Path string
	// Owner is the unique name owning Name, when known.
	Owner string
}

func (x Addr) String() string {
	return Network + ":" + x.Bus + "@" + x.Name + x.Path
}

// dest is where messages for x are sent.
func (x Addr) dest() string {
	if x.Owner != "" {
		return x.Owner
	}
	return x.Name
}

func (x Addr) toAddress() transport.Address {
	return transport.Address{Network: Network, Text: x.String(), Native: x}
}

// ParseAddr parses a bus address, such as
// "dbus:session@org.example.Echo/org/example/echo".
func ParseAddr(s string) (Addr, error) {
	rest, ok := strings.CutPrefix(s, Network+":")
	if !ok {
		return Addr{}, fmt.Errorf("%w: %q is not a %s address", transport.ErrMalformedAddress, s, Network)
	}
	busName, rest, ok := strings.Cut(rest, "@")
	if !ok || busName == "" {
		return Addr{}, fmt.Errorf("%w: %q has no bus", transport.ErrMalformedAddress, s)
	}
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return Addr{}, fmt.Errorf("%w: %q has no object path", transport.ErrMalformedAddress, s)
	}
	a := Addr{Bus: busName, Name: rest[:i], Path: rest[i:]}
	if !mbus.ValidName(a.Name) {
		return Addr{}, fmt.Errorf("%w: %q: bad bus name %q", transport.ErrMalformedAddress, s, a.Name)
	}
	if !mbus.ValidPath(a.Path) {
		return Addr{}, fmt.Errorf("%w: %q: bad object path %q", transport.ErrMalformedAddress, s, a.Path)
	}
	if unique(a.Name) {
		a.Owner = a.Name
	}
	return a, nil
}

func unique(name string) bool { return strings.HasPrefix(name, ":") }

func native(addr transport.Address) (Addr, error) {
	switch v := addr.Native.(type) {
	case Addr:
		return v, nil
	case nil:
		return ParseAddr(addr.Text)
	}
	return Addr{}, fmt.Errorf("%w: %T is not a bus address", transport.ErrInvalidArgument, addr.Native)
}
