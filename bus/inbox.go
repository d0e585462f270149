package bus

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-mainloop/mainloop"
	"golang.org/x/sys/unix"
)

// Inbox queues events from any goroutine and runs them on the goroutine of
// the loop it is embedded in, as a subloop. An eventfd wakes the loop when
// the queue becomes non-empty.
type Inbox struct {
	mu     sync.Mutex
	events *queue.Queue
	fd     int
	// signalled is set while the eventfd holds an unread wakeup
	signalled bool
	closed    bool
}

var _ mainloop.SubloopOps = (*Inbox)(nil)

var wakeValue = func() []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, 1)
	return b
}()

// NewInbox allocates the inbox eventfd.
func NewInbox() (*Inbox, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Inbox{events: queue.New(), fd: fd}, nil
}

// Post queues fn. It is safe to call from any goroutine.
func (x *Inbox) Post(fn func()) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.events.Add(fn)
	if !x.signalled {
		x.signalled = true
		for {
			_, err := unix.Write(x.fd, wakeValue)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
	}
	return nil
}

// Len returns the number of queued events.
func (x *Inbox) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.events.Length()
}

func (x *Inbox) Prepare() (time.Duration, bool) {
	return -1, x.Len() != 0
}

func (x *Inbox) Query(buf []mainloop.PollFD) []mainloop.PollFD {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return buf
	}
	return append(buf, mainloop.PollFD{Fd: x.fd, Events: mainloop.EventRead})
}

func (x *Inbox) Check(fds []mainloop.PollFD) bool {
	for _, pfd := range fds {
		if pfd.Fd == x.fd && pfd.Revents != 0 {
			return true
		}
	}
	return x.Len() != 0
}

// Dispatch runs the events queued before the call. Events posted meanwhile
// wait for the next pass.
func (x *Inbox) Dispatch() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	if x.signalled {
		var buf [8]byte
		_, _ = unix.Read(x.fd, buf[:])
		x.signalled = false
	}
	n := x.events.Length()
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, x.events.Remove().(func()))
	}
	x.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
}

// Close drops queued events and releases the eventfd.
func (x *Inbox) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.closed = true
	x.events = queue.New()
	return unix.Close(x.fd)
}
