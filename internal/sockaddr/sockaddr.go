// Package sockaddr parses the textual socket addresses used by the stream
// and datagram transports, of the form "<network>:<location>":
//
//	tcp4:127.0.0.1:8000    udp4:*:5353
//	tcp6:[::1]:8000        udp6:[::]:0
//	unxs:/run/app.sock     unxd:@abstract-name
//
// A leading "@" in a unix path selects the Linux abstract namespace. The host
// must be an IP literal, "*" (any) or "localhost".
package sockaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("sockaddr: malformed address")

// Network is an address prefix.
type Network string

const (
	TCP4       Network = "tcp4"
	TCP6       Network = "tcp6"
	UnixStream Network = "unxs"
	UDP4       Network = "udp4"
	UDP6       Network = "udp6"
	UnixDgram  Network = "unxd"
)

// Family returns the socket domain for n.
func (n Network) Family() int {
	switch n {
	case TCP4, UDP4:
		return unix.AF_INET
	case TCP6, UDP6:
		return unix.AF_INET6
	default:
		return unix.AF_UNIX
	}
}

// SockType returns the socket type for n.
func (n Network) SockType() int {
	switch n {
	case UDP4, UDP6, UnixDgram:
		return unix.SOCK_DGRAM
	default:
		return unix.SOCK_STREAM
	}
}

// Addr is a parsed address.
type Addr struct {
	Network  Network
	Sockaddr unix.Sockaddr
}

// String formats a back into the textual form accepted by Parse.
func (a Addr) String() string {
	return Format(a.Network, a.Sockaddr)
}

// Path returns the filesystem path of a non-abstract unix address.
func (a Addr) Path() (string, bool) {
	sa, ok := a.Sockaddr.(*unix.SockaddrUnix)
	if !ok || sa.Name == "" || sa.Name[0] == '@' {
		return "", false
	}
	return sa.Name, true
}

// Parse parses address, accepting only the given networks (any network if
// none are given).
func Parse(address string, allowed ...Network) (Addr, error) {
	prefix, loc, ok := strings.Cut(address, ":")
	if !ok {
		return Addr{}, fmt.Errorf("%w: %q: missing network prefix", ErrMalformed, address)
	}
	n := Network(prefix)
	if len(allowed) != 0 && !contains(allowed, n) {
		return Addr{}, fmt.Errorf("%w: %q: unsupported network %q", ErrMalformed, address, prefix)
	}

	var (
		sa  unix.Sockaddr
		err error
	)
	switch n {
	case TCP4, UDP4:
		sa, err = parseInet(loc, false)
	case TCP6, UDP6:
		sa, err = parseInet(loc, true)
	case UnixStream, UnixDgram:
		sa, err = parseUnix(loc)
	default:
		err = fmt.Errorf("unknown network %q", prefix)
	}
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %q: %v", ErrMalformed, address, err)
	}
	return Addr{Network: n, Sockaddr: sa}, nil
}

func contains(list []Network, n Network) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func parseInet(loc string, v6 bool) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(loc)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad port %q", portStr)
	}

	var ip netip.Addr
	switch host {
	case "", "*":
		if v6 {
			ip = netip.IPv6Unspecified()
		} else {
			ip = netip.IPv4Unspecified()
		}
	case "localhost":
		if v6 {
			ip = netip.IPv6Loopback()
		} else {
			ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		}
	default:
		if ip, err = netip.ParseAddr(host); err != nil {
			return nil, err
		}
	}

	if v6 {
		if !ip.Is6() {
			return nil, fmt.Errorf("%v is not an IPv6 address", ip)
		}
		sa := &unix.SockaddrInet6{Port: int(port), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return nil, err
			}
			sa.ZoneId = uint32(ifi.Index)
		}
		return sa, nil
	}
	if !ip.Is4() {
		return nil, fmt.Errorf("%v is not an IPv4 address", ip)
	}
	return &unix.SockaddrInet4{Port: int(port), Addr: ip.As4()}, nil
}

func parseUnix(loc string) (unix.Sockaddr, error) {
	if loc == "" || loc == "@" {
		return nil, errors.New("empty unix path")
	}
	// sun_path is 108 bytes including the terminator; abstract names use the
	// leading NUL in place of "@"
	if len(loc) > 107 {
		return nil, fmt.Errorf("unix path too long: %d bytes", len(loc))
	}
	return &unix.SockaddrUnix{Name: loc}, nil
}

// Format renders sa in the textual form of network n.
func Format(n Network, sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%s", n, netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%s:%s", n, netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrUnix:
		name := sa.Name
		if name != "" && name[0] == 0 {
			name = "@" + name[1:]
		}
		return fmt.Sprintf("%s:%s", n, name)
	case nil:
		return string(n) + ":"
	}
	return fmt.Sprintf("%s:%v", n, sa)
}
