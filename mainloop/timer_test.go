package mainloop

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFor(t *testing.T, l *Loop, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := l.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// A 100ms single-shot timer fires exactly once within a 150ms run, and is
// removed: a second 150ms run fires nothing.
func TestTimer_singleShotAutoRemoved(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	tm, err := l.AddTimer(100*time.Millisecond, 0, func(*Timer) { calls++ })
	require.NoError(t, err)

	runFor(t, l, 150*time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.Empty(t, l.timers)

	runFor(t, l, 150*time.Millisecond)
	assert.Equal(t, 1, calls)

	// deleting an expired single-shot timer is a no-op
	assert.NoError(t, l.DelTimer(tm))
}

func TestTimer_earliestDeadlineFirst(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	for _, ms := range []int{30, 10, 20} {
		_, err := l.AddTimer(time.Duration(ms)*time.Millisecond, 0, func(*Timer) {
			order = append(order, ms)
		})
		require.NoError(t, err)
	}

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, l.Iterate())
	assert.Equal(t, []int{10, 20, 30}, order)
	assert.Equal(t, uint64(3), l.Stats().TimersFired)
}

func TestInsertTimer_stableForEqualDeadlines(t *testing.T) {
	l := newTestLoop(t)
	deadline := time.Now().Add(time.Hour)

	var timers []*Timer
	for i := 0; i < 4; i++ {
		tm := &Timer{loop: l, deadline: deadline, cb: func(*Timer) {}}
		l.insertTimer(tm)
		timers = append(timers, tm)
	}
	early := &Timer{loop: l, deadline: deadline.Add(-time.Minute), cb: func(*Timer) {}}
	l.insertTimer(early)

	assert.Equal(t, append([]*Timer{early}, timers...), l.timers)
}

// Successive firings of a periodic timer are spaced by its period relative to
// the previous deadline, however long the callback takes.
func TestTimer_periodicRearmIsDriftFree(t *testing.T) {
	l := newTestLoop(t)
	const period = 20 * time.Millisecond

	var deadlines []time.Time
	tm, err := l.AddTimer(period, period, func(tm *Timer) {
		// already rearmed when the callback runs
		deadlines = append(deadlines, tm.Deadline())
		time.Sleep(7 * time.Millisecond)
		if len(deadlines) == 5 {
			l.Quit(0)
		}
	})
	require.NoError(t, err)
	first := tm.Deadline()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	require.Len(t, deadlines, 5)
	for i, d := range deadlines {
		want := first.Add(time.Duration(i+1) * period)
		assert.True(t, want.Equal(d), "firing %d: want %v, got %v", i, want, d)
	}
	assert.Equal(t, period, tm.Period())
	require.NoError(t, l.DelTimer(tm))
}

func TestTimer_underflowPanics(t *testing.T) {
	// the latest representable instant; adding a period saturates
	tm := &Timer{
		deadline: time.Unix(math.MaxInt64-62135596800, 999999999),
		period:   time.Second,
	}
	requireInvariant(t, tm.rearm)
}

func TestModTimer(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	tm, err := l.AddTimer(time.Hour, 0, func(*Timer) { calls++ })
	require.NoError(t, err)

	timeout, ready := l.Prepare()
	assert.False(t, ready)
	assert.Greater(t, timeout, 59*time.Minute)

	require.NoError(t, l.ModTimer(tm, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, l.Iterate())
	assert.Equal(t, 1, calls)

	// an expired single-shot timer can be scheduled again
	require.NoError(t, l.ModTimer(tm, 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, l.Iterate())
	assert.Equal(t, 2, calls)

	require.NoError(t, l.DelTimer(tm))
	assert.ErrorIs(t, l.ModTimer(tm, 0), ErrInvalidHandle)
	assert.ErrorIs(t, l.ModTimer(nil, 0), ErrInvalidHandle)
}

func TestModTimer_pendingDueTimerIsSkipped(t *testing.T) {
	l := newTestLoop(t)

	var second int
	var other *Timer
	_, err := l.AddTimer(0, 0, func(*Timer) {
		require.NoError(t, l.ModTimer(other, time.Hour))
	})
	require.NoError(t, err)
	other, err = l.AddTimer(0, 0, func(*Timer) { second++ })
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, l.Iterate())
	assert.Zero(t, second)
	require.Len(t, l.timers, 1)
	assert.Same(t, other, l.timers[0])
}

func TestAddTimer_invalidArguments(t *testing.T) {
	l := newTestLoop(t)
	_, err := l.AddTimer(-1, 0, func(*Timer) {})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = l.AddTimer(0, -1, func(*Timer) {})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = l.AddTimer(0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, l.DelTimer(nil), ErrInvalidHandle)
}
