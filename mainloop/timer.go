package mainloop

import (
	"slices"
	"sort"
	"time"
)

// Timer is a scheduled callback. A zero period makes it single-shot: it is
// removed automatically after firing. A periodic timer is rearmed to its
// previous deadline plus the period, so callback latency never accumulates
// as drift.
type Timer struct {
	loop     *Loop
	cb       func(t *Timer)
	super    any
	deadline time.Time
	period   time.Duration
	// gen changes on every rearm, so a stale due entry is recognizable.
	gen     uint64
	dead    bool
	expired bool
}

// Deadline returns the next scheduled firing time.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Period returns the repeat period, zero for a single-shot timer.
func (t *Timer) Period() time.Duration { return t.period }

// AddTimer schedules cb to first fire after delay. A positive period makes
// the timer periodic.
func (l *Loop) AddTimer(delay, period time.Duration, cb func(t *Timer)) (*Timer, error) {
	if l.destroyed {
		return nil, ErrLoopDestroyed
	}
	if delay < 0 || period < 0 || cb == nil {
		return nil, ErrInvalidArgument
	}

	t := &Timer{
		loop:     l,
		cb:       cb,
		deadline: time.Now().Add(delay),
		period:   period,
	}
	if l.super != nil {
		h, err := l.super.AddTimer(delay, period, func() { l.fireForwardedTimer(t) })
		if err != nil {
			return nil, err
		}
		t.super = h
		l.timers = append(l.timers, t)
	} else {
		l.insertTimer(t)
	}
	l.notifyHost()
	return t, nil
}

// ModTimer moves the next deadline of t to now plus delay. The period is
// unchanged. A single-shot timer that already fired is scheduled again.
func (l *Loop) ModTimer(t *Timer, delay time.Duration) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if t == nil || t.loop != l || t.dead {
		return ErrInvalidHandle
	}
	if delay < 0 {
		return ErrInvalidArgument
	}

	wasExpired := t.expired
	t.deadline = time.Now().Add(delay)
	t.expired = false
	t.gen++

	if t.super != nil {
		if err := l.super.ModTimer(t.super, delay); err != nil {
			return err
		}
		if wasExpired {
			l.timers = append(l.timers, t)
		}
	} else {
		if !wasExpired {
			l.removeTimer(t)
		}
		l.insertTimer(t)
	}
	l.notifyHost()
	return nil
}

// DelTimer cancels a timer. Deleting a single-shot timer that already fired
// is a no-op.
func (l *Loop) DelTimer(t *Timer) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if t == nil || t.loop != l {
		return ErrInvalidHandle
	}
	if t.dead {
		invariant("timer deleted twice")
	}
	t.dead = true
	if t.expired {
		return nil
	}

	var err error
	if t.super != nil {
		if l.super != nil {
			err = l.super.DelTimer(t.super)
		}
		t.super = nil
	}
	l.maybeCompact()
	return err
}

// insertTimer keeps l.timers ordered by deadline. Equal deadlines keep
// insertion order.
func (l *Loop) insertTimer(t *Timer) {
	i := sort.Search(len(l.timers), func(i int) bool {
		return l.timers[i].deadline.After(t.deadline)
	})
	l.timers = slices.Insert(l.timers, i, t)
}

func (l *Loop) removeTimer(t *Timer) {
	if i := slices.Index(l.timers, t); i >= 0 {
		l.timers = slices.Delete(l.timers, i, i+1)
	}
}

// rearm advances a periodic timer by exactly one period.
func (t *Timer) rearm() {
	next := t.deadline.Add(t.period)
	if !next.After(t.deadline) {
		invariant("timer underflow: deadline %v did not advance", t.deadline)
	}
	t.deadline = next
	t.gen++
}

type dueTimer struct {
	t   *Timer
	gen uint64
}

// runTimers fires every timer whose deadline has passed at the start of the
// phase, earliest first. Timers scheduled by these callbacks wait for the
// next pass, even if already due.
func (l *Loop) runTimers() {
	now := time.Now()
	n := 0
	for n < len(l.timers) && !l.timers[n].deadline.After(now) {
		n++
	}
	if n == 0 {
		return
	}

	due := make([]dueTimer, n)
	for i, t := range l.timers[:n] {
		due[i] = dueTimer{t: t, gen: t.gen}
	}
	l.timers = append([]*Timer(nil), l.timers[n:]...)

	for _, d := range due {
		t := d.t
		if t.dead || t.expired || t.gen != d.gen {
			continue
		}
		if t.period == 0 {
			t.expired = true
		} else {
			t.rearm()
			l.insertTimer(t)
		}
		l.fireTimer(t)
	}
}

func (l *Loop) fireTimer(t *Timer) {
	l.stats.TimersFired++
	l.safeExecute(`timer`, func() { t.cb(t) })
}

// fireForwardedTimer is the superloop's callback for a forwarded timer. The
// local deadline mirrors the host's so the timer can migrate back.
func (l *Loop) fireForwardedTimer(t *Timer) {
	if t.dead || t.expired {
		return
	}
	if t.period == 0 {
		t.expired = true
		l.maybeCompact()
	} else {
		t.rearm()
	}
	l.fireTimer(t)
}
