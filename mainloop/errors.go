package mainloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopDestroyed is returned when operations are attempted on a destroyed loop.
	ErrLoopDestroyed = errors.New("mainloop: loop has been destroyed")

	// ErrInvalidHandle is returned when a nil handle, or a handle belonging to
	// another loop, is passed to a delete or modify operation.
	ErrInvalidHandle = errors.New("mainloop: invalid handle")

	// ErrInvalidArgument is returned for malformed registration arguments,
	// e.g. negative timer durations or a nil callback.
	ErrInvalidArgument = errors.New("mainloop: invalid argument")

	// ErrReentrantRun is returned when Run or Iterate is called from within a
	// dispatch pass of the same loop.
	ErrReentrantRun = errors.New("mainloop: cannot run the loop from within its own dispatch")

	// ErrSuperloopActive is returned when a loop that is driven by a superloop
	// is asked to run, iterate, or poll on its own.
	ErrSuperloopActive = errors.New("mainloop: loop is driven by a superloop")

	// ErrSuperloopAlreadySet is returned by SetSuperloop if a bridge is already installed.
	ErrSuperloopAlreadySet = errors.New("mainloop: superloop already set")

	// ErrNoSuperloop is returned by ClearSuperloop if no bridge is installed.
	ErrNoSuperloop = errors.New("mainloop: no superloop set")

	// ErrEmbedded is returned when a loop embedded as a subloop is asked to
	// run or iterate on its own, or to be embedded a second time.
	ErrEmbedded = errors.New("mainloop: loop is embedded as a subloop")

	// ErrInvariant is wrapped by every panic raised for a broken core
	// invariant, e.g. double deletion, dispatch reentrancy, or timer underflow.
	// These indicate a programming error and are never recovered by the loop.
	ErrInvariant = errors.New("mainloop: invariant violation")
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("mainloop: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// invariant panics with an error wrapping ErrInvariant.
func invariant(format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...))
}

// isInvariantPanic reports whether a recovered value must be re-raised.
func isInvariantPanic(r any) bool {
	err, ok := r.(error)
	return ok && errors.Is(err, ErrInvariant)
}
