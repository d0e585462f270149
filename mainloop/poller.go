package mainloop

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	// It is always reported, regardless of the requested mask.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	// It is always reported, regardless of the requested mask.
	EventHangup
)

// alwaysEvents are delivered to every watch, whatever its interest mask.
const alwaysEvents = EventError | EventHangup

// String returns a compact representation, e.g. "read|hangup".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "read")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if e&EventError != 0 {
		parts = append(parts, "error")
	}
	if e&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// PollFD is one entry of a readiness set, as exchanged with subloops.
type PollFD struct {
	Fd      int
	Events  IOEvents
	Revents IOEvents
}

// poller is the OS multiplexer. The loop is its only caller.
type poller interface {
	add(fd int, events IOEvents) error
	mod(fd int, events IOEvents) error
	del(fd int) error
	// wait blocks up to timeoutMs (negative means forever) and appends the
	// ready fds to out. An interrupted wait returns no events and no error.
	wait(timeoutMs int, out []PollFD) ([]PollFD, error)
	close() error
}

// errPollerClosed is returned by a poller after close.
var errPollerClosed = errors.New("mainloop: poller closed")

// ignorableDelError reports whether a deregistration failure only means the
// fd was already gone (closed by its owner before the watch was removed).
func ignorableDelError(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT)
}
