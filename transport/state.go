package transport

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateBound
	StateListening
	StateConnecting
	StateConnected
	// StateClosing means destruction was requested while requests were
	// pending. No callback fires in this state.
	StateClosing
	// StateClosed is entered on peer close or a fatal protocol error.
	StateClosed
	StateDestroyed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateResolving:  "resolving",
	StateResolved:   "resolved",
	StateBound:      "bound",
	StateListening:  "listening",
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateDestroyed:  "destroyed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) in(states ...State) bool {
	for _, v := range states {
		if s == v {
			return true
		}
	}
	return false
}

// Mode selects the unit of data a transport sends and receives.
type Mode int

const (
	// ModeRaw exchanges bytes. On byte-stream backends no boundaries are kept.
	ModeRaw Mode = iota
	// ModeMsg exchanges tagged-field messages (*msg.Msg).
	ModeMsg
	// ModeData exchanges values of the types registered with the data codec.
	ModeData
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeMsg:
		return "msg"
	case ModeData:
		return "data"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeRaw, ModeMsg, ModeData} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
}

// Caps are the declared properties of a backend, consulted when transports
// are created. Exactly one connection model must be set.
type Caps uint32

const (
	CapConnectionOriented Caps = 1 << iota
	CapConnectionless
	CapBusAddressed
	// CapPreservesBoundaries means each backend unit is one message. Without
	// it, messages are length-prefix framed.
	CapPreservesBoundaries
	CapListen
	// CapAsyncResolve means Resolve completes through the Resolved callback.
	CapAsyncResolve
)

const modelCaps = CapConnectionOriented | CapConnectionless | CapBusAddressed

var capNames = []struct {
	c    Caps
	name string
}{
	{CapConnectionOriented, "connection-oriented"},
	{CapConnectionless, "connectionless"},
	{CapBusAddressed, "bus"},
	{CapPreservesBoundaries, "boundaries"},
	{CapListen, "listen"},
	{CapAsyncResolve, "async-resolve"},
}

func (c Caps) String() string {
	var parts []string
	for _, v := range capNames {
		if c&v.c != 0 {
			parts = append(parts, v.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func (c Caps) validate() error {
	switch c & modelCaps {
	case CapConnectionOriented, CapConnectionless, CapBusAddressed:
	default:
		return fmt.Errorf("%w: caps %v must name exactly one connection model", ErrInvalidArgument, c)
	}
	if c&CapListen != 0 && c&CapConnectionOriented == 0 {
		return fmt.Errorf("%w: caps %v: only connection-oriented backends listen", ErrInvalidArgument, c)
	}
	return nil
}

// addressed reports whether received units carry a sender address.
func (c Caps) addressed() bool {
	return c&(CapConnectionless|CapBusAddressed) != 0
}
