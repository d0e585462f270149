package mainloop

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// SuperloopOps is the primitive set a host event loop exposes to a client
// loop. Handles are opaque to the client and only passed back to the host.
type SuperloopOps interface {
	AddIO(fd int, events IOEvents, cb func(events IOEvents)) (any, error)
	ModIO(h any, events IOEvents) error
	DelIO(h any) error
	AddTimer(delay, period time.Duration, cb func()) (any, error)
	ModTimer(h any, delay time.Duration) error
	DelTimer(h any) error
	AddDeferred(cb func()) (any, error)
	EnableDeferred(h any, enabled bool) error
	DelDeferred(h any) error
	AddSignal(sig unix.Signal, cb func(sig unix.Signal)) (any, error)
	DelSignal(h any) error
	// Wakeup requests the host to re-poll immediately.
	Wakeup()
}

// SetSuperloop makes l a client of the host behind ops. Every existing
// primitive migrates to the host, and subsequent registrations are forwarded
// to it. While set, l cannot be run, iterated, or polled directly.
func (l *Loop) SetSuperloop(ops SuperloopOps) error {
	switch {
	case l.destroyed:
		return ErrLoopDestroyed
	case ops == nil:
		return ErrInvalidArgument
	case l.super != nil:
		return ErrSuperloopAlreadySet
	case l.host != nil:
		return ErrEmbedded
	case l.dispatching, l.running:
		return ErrReentrantRun
	}
	if h, ok := ops.(*hostOps); ok && h.l == l {
		return ErrInvalidArgument
	}

	l.super = ops
	if err := l.migrateOut(); err != nil {
		l.releaseSuperloop(true)
		return err
	}
	l.kickPump()

	l.logger.Debug().Log(`superloop attached`)
	return nil
}

// ClearSuperloop detaches l from its host. Every primitive migrates back
// into l, keeping its deadlines and enabled state.
func (l *Loop) ClearSuperloop() error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if l.super == nil {
		return ErrNoSuperloop
	}
	l.releaseSuperloop(true)
	l.logger.Debug().Log(`superloop detached`)
	return nil
}

// migrateOut forwards every local primitive to the host.
func (l *Loop) migrateOut() error {
	for _, w := range l.watches {
		if w.dead || w.super != nil {
			continue
		}
		if w.attached {
			l.detachWatch(w)
		}
		if err := l.installWatch(w); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, t := range l.timers {
		if t.dead || t.expired || t.super != nil {
			continue
		}
		h, err := l.super.AddTimer(max(t.deadline.Sub(now), 0), t.period, func() { l.fireForwardedTimer(t) })
		if err != nil {
			return err
		}
		t.super = h
	}

	for _, d := range l.deferred {
		if d.dead || d.super != nil {
			continue
		}
		h, err := l.super.AddDeferred(func() { l.fireForwardedDeferred(d) })
		if err != nil {
			return err
		}
		d.super = h
		if !d.enabled {
			if err := l.super.EnableDeferred(h, false); err != nil {
				return err
			}
		}
	}

	for _, h := range l.sigs {
		if h.dead || h.super != nil {
			continue
		}
		sh, err := l.super.AddSignal(h.signum, func(s unix.Signal) { l.fireForwardedSignal(h, s) })
		if err != nil {
			return err
		}
		h.super = sh
	}
	l.updateSignals()

	return nil
}

// releaseSuperloop removes every forwarded primitive from the host and
// optionally re-registers it locally.
func (l *Loop) releaseSuperloop(reattach bool) {
	ops := l.super
	l.super = nil

	logDel := func(kind string, err error) {
		if err != nil {
			l.logger.Warning().Str(`kind`, kind).Err(err).Log(`failed to release forwarded primitive`)
		}
	}

	if l.pumpDeferred != nil {
		logDel(`pump`, ops.DelDeferred(l.pumpDeferred))
		l.pumpDeferred = nil
		l.pumpEnabled = false
	}
	if l.pumpTimer != nil {
		logDel(`pump`, ops.DelTimer(l.pumpTimer))
		l.pumpTimer = nil
	}

	for _, w := range l.watches {
		if w.super != nil {
			logDel(`io`, ops.DelIO(w.super))
			w.super = nil
		}
		if reattach && !w.dead && !w.attached {
			if err := l.attachWatch(w); err != nil {
				l.logger.Err().Int(`fd`, w.fd).Err(err).Log(`failed to restore io watch`)
			}
		}
	}

	for _, t := range l.timers {
		if t.super != nil {
			logDel(`timer`, ops.DelTimer(t.super))
			t.super = nil
		}
	}
	if reattach {
		l.timers = compactSlice(l.timers, func(t *Timer) bool { return t.dead || t.expired })
		sort.SliceStable(l.timers, func(i, j int) bool {
			return l.timers[i].deadline.Before(l.timers[j].deadline)
		})
	}

	for _, d := range l.deferred {
		if d.super != nil {
			logDel(`deferred`, ops.DelDeferred(d.super))
			d.super = nil
		}
	}

	for _, h := range l.sigs {
		if h.super != nil {
			logDel(`signal`, ops.DelSignal(h.super))
			h.super = nil
		}
	}
	if reattach {
		l.updateSignals()
	}
}

// kickPump schedules the subloops of a superloop client to be checked and
// dispatched from the host's deferred phase.
func (l *Loop) kickPump() {
	if l.super == nil || l.destroyed {
		return
	}
	live := false
	for _, s := range l.subloops {
		if !s.dead {
			live = true
			break
		}
	}
	if !live {
		if l.pumpDeferred != nil {
			l.setPump(false)
		}
		return
	}
	if l.pumpDeferred == nil {
		h, err := l.super.AddDeferred(l.pumpSubloops)
		if err != nil {
			l.logger.Err().Err(err).Log(`failed to register subloop pump`)
			return
		}
		l.pumpDeferred = h
		l.pumpEnabled = true
		return
	}
	l.setPump(true)
}

func (l *Loop) setPump(enabled bool) {
	if l.pumpEnabled == enabled {
		return
	}
	if err := l.super.EnableDeferred(l.pumpDeferred, enabled); err != nil {
		l.logger.Err().Err(err).Log(`failed to toggle subloop pump`)
		return
	}
	l.pumpEnabled = enabled
}

// pumpSubloops is the host deferred task driving a client's subloops: it
// dispatches the ready guests, then prepares all of them again, forwarding
// their fds and arming a timer for the earliest guest timeout.
func (l *Loop) pumpSubloops() {
	if l.super == nil {
		return
	}
	l.setPump(false)

	for _, s := range l.subloops {
		l.dispatchSubloop(s)
	}
	if l.super == nil {
		return
	}

	timeout := time.Duration(-1)
	ready := false
	for _, s := range l.subloops {
		if s.dead {
			continue
		}
		d, r := l.prepareSubloop(s)
		if r {
			ready = true
		}
		if d >= 0 && (timeout < 0 || d < timeout) {
			timeout = d
		}
	}

	switch {
	case ready || timeout == 0:
		l.setPump(true)
	case timeout > 0:
		l.armPumpTimer(timeout)
	}
}

func (l *Loop) armPumpTimer(delay time.Duration) {
	if l.pumpTimer != nil {
		if err := l.super.ModTimer(l.pumpTimer, delay); err == nil {
			return
		}
		_ = l.super.DelTimer(l.pumpTimer)
		l.pumpTimer = nil
	}
	h, err := l.super.AddTimer(delay, 0, l.kickPump)
	if err != nil {
		l.logger.Err().Err(err).Log(`failed to arm subloop pump timer`)
		return
	}
	l.pumpTimer = h
}

// hostOps adapts a Loop to SuperloopOps. Forwarded watches become slave
// watches of the host, dispatched before its own I/O.
type hostOps struct {
	l *Loop
}

// SuperloopOps returns an adapter that lets l host a client loop via
// SetSuperloop.
func (l *Loop) SuperloopOps() SuperloopOps {
	return &hostOps{l: l}
}

func (h *hostOps) AddIO(fd int, events IOEvents, cb func(events IOEvents)) (any, error) {
	l := h.l
	if l.destroyed {
		return nil, ErrLoopDestroyed
	}
	if fd < 0 || cb == nil {
		return nil, ErrInvalidArgument
	}
	w := &IOWatch{
		loop:   l,
		fd:     fd,
		events: events & (EventRead | EventWrite),
		cb:     func(_ *IOWatch, _ int, events IOEvents) { cb(events) },
		slave:  true,
	}
	if err := l.installWatch(w); err != nil {
		return nil, err
	}
	l.watches = append(l.watches, w)
	return w, nil
}

func (h *hostOps) ModIO(handle any, events IOEvents) error {
	w, ok := handle.(*IOWatch)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.ModIOWatch(w, events)
}

func (h *hostOps) DelIO(handle any) error {
	w, ok := handle.(*IOWatch)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.DelIOWatch(w)
}

func (h *hostOps) AddTimer(delay, period time.Duration, cb func()) (any, error) {
	if cb == nil {
		return nil, ErrInvalidArgument
	}
	t, err := h.l.AddTimer(delay, period, func(*Timer) { cb() })
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (h *hostOps) ModTimer(handle any, delay time.Duration) error {
	t, ok := handle.(*Timer)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.ModTimer(t, delay)
}

func (h *hostOps) DelTimer(handle any) error {
	t, ok := handle.(*Timer)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.DelTimer(t)
}

func (h *hostOps) AddDeferred(cb func()) (any, error) {
	if cb == nil {
		return nil, ErrInvalidArgument
	}
	d, err := h.l.AddDeferred(func(*Deferred) { cb() })
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (h *hostOps) EnableDeferred(handle any, enabled bool) error {
	d, ok := handle.(*Deferred)
	if !ok {
		return ErrInvalidHandle
	}
	if enabled {
		return h.l.EnableDeferred(d)
	}
	return h.l.DisableDeferred(d)
}

func (h *hostOps) DelDeferred(handle any) error {
	d, ok := handle.(*Deferred)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.DelDeferred(d)
}

func (h *hostOps) AddSignal(sig unix.Signal, cb func(sig unix.Signal)) (any, error) {
	if cb == nil {
		return nil, ErrInvalidArgument
	}
	sh, err := h.l.AddSigHandler(sig, func(_ *SigHandler, s unix.Signal) { cb(s) })
	if err != nil {
		return nil, err
	}
	return sh, nil
}

func (h *hostOps) DelSignal(handle any) error {
	s, ok := handle.(*SigHandler)
	if !ok {
		return ErrInvalidHandle
	}
	return h.l.DelSigHandler(s)
}

func (h *hostOps) Wakeup() {
	h.l.Wakeup()
}
