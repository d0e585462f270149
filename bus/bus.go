// Package bus defines the message bus client used by the bus transport, and
// the inbox that delivers bus events on a loop goroutine.
//
// A Client is driven by the loop it is attached to: its SubloopOps are
// embedded with mainloop.Loop.AddSubloop, and every Handler and OwnerFunc
// runs from that subloop's dispatch. Client methods must be called on the
// same goroutine.
package bus

import (
	"errors"
	"strings"

	"github.com/joeycumines/go-mainloop/mainloop"
)

var (
	// ErrClosed is returned by a closed Client or Inbox.
	ErrClosed = errors.New("bus: closed")

	// ErrNameTaken means another connection owns the requested name.
	ErrNameTaken = errors.New("bus: name already owned")

	// ErrNotOwner is returned when releasing a name the client does not own.
	ErrNotOwner = errors.New("bus: name not owned")

	// ErrNoOwner is reported when looking up a name nobody owns.
	ErrNoOwner = errors.New("bus: name has no owner")

	// ErrInvalidName is returned for malformed bus names and object paths.
	ErrInvalidName = errors.New("bus: invalid name")

	// ErrSubscribed is returned when subscribing a path twice.
	ErrSubscribed = errors.New("bus: path already subscribed")
)

// Message is one unit sent over the bus.
type Message struct {
	// Sender is the unique name of the sending connection, filled in by the
	// bus.
	Sender string
	// SenderPath is the object path the sender receives replies on.
	SenderPath string
	// Dest is the unique or well-known name of the receiver.
	Dest string
	// Path is the receiver's object path.
	Path    string
	Payload []byte
}

// Handler receives messages sent to a subscribed path.
type Handler func(m Message)

// OwnerFunc reports the owner of a bus name, empty if it has none.
type OwnerFunc func(name, owner string, err error)

// Client is a connection to a message bus.
type Client interface {
	// UniqueName is the connection's bus-assigned name, such as ":1.42".
	UniqueName() string

	AcquireName(name string) error
	ReleaseName(name string) error

	// Subscribe routes messages sent to this connection for path to h.
	Subscribe(path string, h Handler) error
	Unsubscribe(path string) error

	// Send sends m to m.Dest. Messages to names without an owner are
	// dropped by the bus.
	Send(m Message) error

	// LookupOwner reports the current owner of name through cb, once.
	LookupOwner(name string, cb OwnerFunc) error

	// FollowName reports the owner of name through cb, first its current
	// owner, then every change until ForgetName. One callback is kept per
	// name: following it again replaces the callback, and reports the
	// current owner again.
	FollowName(name string, cb OwnerFunc) error
	ForgetName(name string) error

	// SubloopOps is the client's event source, to be embedded in the loop
	// that calls the client.
	SubloopOps() mainloop.SubloopOps

	Close() error
}

// Dialer connects to the named bus, such as "session" or "system".
type Dialer func(bus string) (Client, error)

// ValidPath reports whether p is a valid object path: "/" or slash
// separated non-empty elements of [A-Za-z0-9_].
func ValidPath(p string) bool {
	if p == "/" {
		return true
	}
	if len(p) < 2 || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return false
		}
		for _, c := range elem {
			if !isNameChar(c) {
				return false
			}
		}
	}
	return true
}

// ValidName reports whether s is a plausible bus name: a unique name
// (":1.42") or a dotted well-known name of at least two elements.
func ValidName(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if elem == "" {
			return false
		}
		if !unique && elem[0] >= '0' && elem[0] <= '9' {
			return false
		}
		for _, c := range elem {
			if !isNameChar(c) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isNameChar(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
