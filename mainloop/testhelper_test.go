package mainloop

import (
	"errors"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testEvent is a minimal logiface.Event implementation that records fields.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

// testLog collects the events written through a logger.
type testLog struct {
	mu     sync.Mutex
	events []*testEvent
}

func (x *testLog) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

func (x *testLog) Write(event *testEvent) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, event)
	return nil
}

func (x *testLog) count(level logiface.Level) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for _, e := range x.events {
		if e.level == level {
			n++
		}
	}
	return n
}

func newTestLogger() (*logiface.Logger[logiface.Event], *testLog) {
	x := &testLog{}
	logger := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](x),
		logiface.WithWriter[*testEvent](x),
		logiface.WithLevel[*testEvent](logiface.LevelTrace),
	)
	return logger.Logger(), x
}

func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)
	return l
}

// testPipe returns a non-blocking pipe, closed on cleanup.
func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func writeByte(t *testing.T, fd int) {
	t.Helper()
	_, err := unix.Write(fd, []byte{'x'})
	require.NoError(t, err)
}

// requireInvariant asserts that fn panics with an error wrapping ErrInvariant.
func requireInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, ErrInvariant), "panic %v does not wrap ErrInvariant", err)
	}()
	fn()
}
