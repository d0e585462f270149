package mainloop

import (
	"golang.org/x/sys/unix"
)

// Submit queues fn to run on the loop goroutine, during the deferred phase
// of the next pass, and wakes the loop. It is safe to call from any
// goroutine.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrInvalidArgument
	}

	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	if l.closed {
		return ErrLoopDestroyed
	}
	l.submitted.Add(fn)
	l.wakeLocked()
	return nil
}

// Wakeup forces a blocked Poll to return. It is safe to call from any
// goroutine, and coalesces until the loop drains the wake fd.
func (l *Loop) Wakeup() {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	if !l.closed {
		l.wakeLocked()
	}
}

func (l *Loop) wakeLocked() {
	if l.wakePending.CompareAndSwap(false, true) {
		_, _ = unix.Write(l.wakeWriteFd, wakeValue)
	}
}

// onWake drains the wake fd. When the loop is a superloop client it also
// runs the submitted tasks, since no local dispatch pass will.
func (l *Loop) onWake(*IOWatch, int, IOEvents) {
	l.wakePending.Store(false)
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeFd, buf[:])
		if err != nil || n <= 0 {
			break
		}
	}
	if l.super != nil {
		l.runSubmitted()
		l.kickPump()
	}
}

func (l *Loop) hasSubmitted() bool {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	return l.submitted.Length() != 0
}

// runSubmitted runs the tasks queued before the call. Tasks submitted by
// these tasks wait for the next pass.
func (l *Loop) runSubmitted() {
	l.submitMu.Lock()
	n := l.submitted.Length()
	l.submitMu.Unlock()

	for i := 0; i < n; i++ {
		l.submitMu.Lock()
		fn := l.submitted.Remove().(func())
		l.submitMu.Unlock()
		l.stats.TasksRun++
		l.safeExecute(`submitted`, fn)
	}
}
