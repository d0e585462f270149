// Package looptest has helpers for tests driving a mainloop.Loop.
package looptest

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds RunUntil.
const DefaultTimeout = 5 * time.Second

// New returns a loop destroyed on cleanup.
func New(t testing.TB, opts ...mainloop.LoopOption) *mainloop.Loop {
	t.Helper()
	l, err := mainloop.New(opts...)
	require.NoError(t, err)
	t.Cleanup(l.Destroy)
	return l
}

// RunUntil runs l until cond holds, failing the test after DefaultTimeout.
// cond is polled every millisecond.
func RunUntil(t testing.TB, l *mainloop.Loop, cond func() bool) {
	t.Helper()
	if cond() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	tm, err := l.AddTimer(time.Millisecond, time.Millisecond, func(*mainloop.Timer) {
		if cond() {
			l.Quit(0)
		}
	})
	require.NoError(t, err)
	defer func() { _ = l.DelTimer(tm) }()

	err = l.Run(ctx)
	require.NoError(t, err, "condition not met in time")
	require.True(t, cond())
}
