package mainloop

import (
	"os"
	"os/signal"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

// SigHandler is a registered signal callback. Signals are delivered on the
// loop goroutine, in the first phase of a dispatch pass.
type SigHandler struct {
	loop   *Loop
	cb     func(h *SigHandler, sig unix.Signal)
	super  any
	signum unix.Signal
	dead   bool
}

// Signal returns the handled signal.
func (h *SigHandler) Signal() unix.Signal { return h.signum }

// AddSigHandler registers cb for sig. The process-level signal subscription
// is recomputed on every add and delete.
func (l *Loop) AddSigHandler(sig unix.Signal, cb func(h *SigHandler, sig unix.Signal)) (*SigHandler, error) {
	if l.destroyed {
		return nil, ErrLoopDestroyed
	}
	if sig <= 0 || cb == nil {
		return nil, ErrInvalidArgument
	}

	h := &SigHandler{loop: l, cb: cb, signum: sig}
	if l.super != nil {
		sh, err := l.super.AddSignal(sig, func(s unix.Signal) { l.fireForwardedSignal(h, s) })
		if err != nil {
			return nil, err
		}
		h.super = sh
	}
	l.sigs = append(l.sigs, h)
	l.updateSignals()
	return h, nil
}

// DelSigHandler removes a signal handler.
func (l *Loop) DelSigHandler(h *SigHandler) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if h == nil || h.loop != l {
		return ErrInvalidHandle
	}
	if h.dead {
		invariant("signal handler for %v deleted twice", h.signum)
	}
	h.dead = true

	var err error
	if h.super != nil {
		if l.super != nil {
			err = l.super.DelSignal(h.super)
		}
		h.super = nil
	}
	l.updateSignals()
	l.maybeCompact()
	return err
}

// updateSignals subscribes to exactly the signals of the live local handlers.
func (l *Loop) updateSignals() {
	var set []os.Signal
	for _, h := range l.sigs {
		if h.dead || h.super != nil || slices.Contains(set, os.Signal(h.signum)) {
			continue
		}
		set = append(set, h.signum)
	}
	l.signals.update(set, l.Wakeup)
}

func (l *Loop) dispatchSignals() {
	for _, sig := range l.signals.take() {
		for _, h := range l.sigs {
			if h.dead || h.super != nil || h.signum != sig {
				continue
			}
			l.fireSignal(h, sig)
		}
	}
}

func (l *Loop) fireSignal(h *SigHandler, sig unix.Signal) {
	l.stats.SignalsDispatched++
	l.safeExecute(`signal`, func() { h.cb(h, sig) })
}

func (l *Loop) fireForwardedSignal(h *SigHandler, sig unix.Signal) {
	if h.dead {
		return
	}
	l.fireSignal(h, sig)
}

// signalBridge moves signals from the runtime's notification channel onto
// the loop. The relay goroutine is started lazily, on first subscription.
type signalBridge struct {
	mu      sync.Mutex
	pending []unix.Signal
	ch      chan os.Signal
	done    chan struct{}
}

func (b *signalBridge) update(set []os.Signal, wake func()) {
	if b.ch == nil {
		if len(set) == 0 {
			return
		}
		b.ch = make(chan os.Signal, 16)
		b.done = make(chan struct{})
		go b.relay(b.ch, b.done, wake)
	}
	signal.Stop(b.ch)
	if len(set) != 0 {
		signal.Notify(b.ch, set...)
	}
}

func (b *signalBridge) relay(ch <-chan os.Signal, done <-chan struct{}, wake func()) {
	for {
		select {
		case s := <-ch:
			sig, ok := s.(unix.Signal)
			if !ok {
				continue
			}
			b.mu.Lock()
			b.pending = append(b.pending, sig)
			b.mu.Unlock()
			wake()
		case <-done:
			return
		}
	}
}

func (b *signalBridge) take() []unix.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}

func (b *signalBridge) hasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) != 0
}

func (b *signalBridge) stop() {
	if b.ch == nil {
		return
	}
	signal.Stop(b.ch)
	close(b.done)
	b.ch = nil
	b.take()
}
