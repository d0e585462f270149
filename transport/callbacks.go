package transport

import (
	"fmt"

	"github.com/joeycumines/go-mainloop/msg"
)

// Callbacks are the user's event handlers. All run on the loop goroutine, and
// none run once destruction was requested.
//
// Which callbacks are required depends on the backend's Caps and the mode:
// connection-oriented backends require Closed, and every transport requires
// the receive callback for its mode, the From variant for connectionless and
// bus backends. Data passed to RecvRaw and RecvRawFrom is only valid for the
// duration of the call.
type Callbacks struct {
	Recv         func(t *Transport, m *msg.Msg)
	RecvFrom     func(t *Transport, m *msg.Msg, from Address)
	RecvRaw      func(t *Transport, data []byte)
	RecvRawFrom  func(t *Transport, data []byte, from Address)
	RecvData     func(t *Transport, v any)
	RecvDataFrom func(t *Transport, v any, from Address)

	// Closed fires when the peer closes the connection or a fatal error
	// closes the transport. err is nil for an orderly close.
	Closed func(t *Transport, err error)

	// Error reports protocol errors, such as malformed input.
	Error func(t *Transport, err error)

	// Connection fires on a listening transport when a connection is ready
	// for Accept. Required to listen.
	Connection func(t *Transport)

	// Connected fires when an asynchronous connect succeeds. A failed
	// connect closes the transport instead.
	Connected func(t *Transport)

	// Resolved delivers the result of an asynchronous Resolve. Required by
	// backends with CapAsyncResolve.
	Resolved func(t *Transport, addr Address, err error)

	// Drained fires when a backend that returned ErrWouldBlock can accept
	// output again.
	Drained func(t *Transport)
}

func (x *Callbacks) check(caps Caps, mode Mode) error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s required for %v %v transports", ErrIncompleteCallbacks, name, caps, mode)
	}
	if caps&CapConnectionOriented != 0 && x.Closed == nil {
		return missing("Closed")
	}
	from := caps.addressed()
	switch mode {
	case ModeRaw:
		if from && x.RecvRawFrom == nil {
			return missing("RecvRawFrom")
		}
		if !from && x.RecvRaw == nil {
			return missing("RecvRaw")
		}
	case ModeMsg:
		if from && x.RecvFrom == nil {
			return missing("RecvFrom")
		}
		if !from && x.Recv == nil {
			return missing("Recv")
		}
	case ModeData:
		if from && x.RecvDataFrom == nil {
			return missing("RecvDataFrom")
		}
		if !from && x.RecvData == nil {
			return missing("RecvData")
		}
	default:
		return fmt.Errorf("%w: unknown mode %v", ErrInvalidArgument, mode)
	}
	return nil
}
