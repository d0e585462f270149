package transport

import (
	"errors"
	"fmt"
)

// Configuration errors are returned synchronously, with no partial mutation.
var (
	ErrDuplicateType       = errors.New("transport: duplicate type")
	ErrUnknownType         = errors.New("transport: unknown type")
	ErrInUse               = errors.New("transport: type in use")
	ErrIncompleteCallbacks = errors.New("transport: incomplete callbacks")
	ErrMalformedAddress    = errors.New("transport: malformed address")
	ErrInvalidArgument     = errors.New("transport: invalid argument")
)

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// transport's current state.
	ErrInvalidState = errors.New("transport: invalid state")

	// ErrNotSupported is returned for operations the backend or the
	// transport's mode cannot perform.
	ErrNotSupported = errors.New("transport: not supported")

	// ErrWouldBlock is returned by sends when the backend cannot accept more
	// output. The Drained callback fires once it can.
	ErrWouldBlock = errors.New("transport: would block")

	// ErrInProgress is returned by Resolve and by backends for operations that
	// complete asynchronously.
	ErrInProgress = errors.New("transport: in progress")

	// ErrStopped is returned to backends delivering data to a transport that
	// no longer accepts it.
	ErrStopped = errors.New("transport: stopped")

	// ErrInvariant is wrapped by the panics raised for programming errors,
	// such as unbalanced pending-request counts.
	ErrInvariant = errors.New("transport: invariant violated")
)

func invariant(format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...))
}
