package mainloop

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-threaded reactor. See the package documentation for the
// dispatch model.
type Loop struct {
	logger *logiface.Logger[logiface.Event]
	poller poller

	wakeFd      int
	wakeWriteFd int
	wakeWatch   *IOWatch
	wakePending atomic.Bool

	// fds indexes the locally polled watches by file descriptor.
	fds      map[int]*fdEntry
	watches  []*IOWatch
	timers   []*Timer // ascending deadline while no superloop is set
	deferred []*Deferred
	sigs     []*SigHandler
	subloops []*Subloop

	pollBuf []PollFD
	ready   []PollFD
	pollSeq uint64

	// submitMu guards submitted, and the wake fds against Destroy.
	submitMu  sync.Mutex
	submitted *queue.Queue
	closed    bool

	signals signalBridge

	super        SuperloopOps
	pumpDeferred any
	pumpTimer    any
	pumpEnabled  bool

	guest *guestOps
	host  *Subloop // non-owning, set while embedded

	stats    Stats
	exitCode int

	dispatching bool
	running     bool
	quitting    bool
	destroyed   bool
	needCompact bool
}

// New creates a new event loop with the given options.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := newPoller(cfg.maxEvents)
	if err != nil {
		return nil, fmt.Errorf("mainloop: create poller: %w", err)
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("mainloop: create wake fd: %w", err)
	}

	l := &Loop{
		logger:      cfg.logger,
		poller:      p,
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
		fds:         make(map[int]*fdEntry),
		pollBuf:     make([]PollFD, 0, cfg.maxEvents),
		submitted:   queue.New(),
	}

	l.wakeWatch = &IOWatch{
		loop:     l,
		fd:       wakeFd,
		events:   EventRead,
		internal: true,
		cb:       l.onWake,
	}
	if err := l.attachWatch(l.wakeWatch); err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("mainloop: register wake fd: %w", err)
	}
	l.watches = append(l.watches, l.wakeWatch)

	return l, nil
}

// Destroy purges every primitive owned by the loop without firing any
// callback, detaches a superloop bridge if one is set, and releases the
// multiplexer. It is idempotent. Destroying a loop from within its own
// dispatch pass panics.
func (l *Loop) Destroy() {
	if l.destroyed {
		return
	}
	if l.dispatching {
		invariant("loop destroyed during its own dispatch")
	}

	if l.super != nil {
		l.releaseSuperloop(false)
		l.logger.Debug().Log(`superloop detached on destroy`)
	}
	if l.host != nil {
		if host := l.host.loop; !host.destroyed {
			_ = host.DelSubloop(l.host)
		}
		l.host = nil
	}

	for _, w := range l.watches {
		w.dead = true
	}
	for _, t := range l.timers {
		t.dead = true
	}
	for _, d := range l.deferred {
		d.dead = true
	}
	for _, h := range l.sigs {
		h.dead = true
	}
	for _, s := range l.subloops {
		s.dead = true
		if s.guest != nil {
			s.guest.host = nil
			s.guest = nil
		}
	}
	l.watches, l.timers, l.deferred, l.sigs, l.subloops = nil, nil, nil, nil, nil
	l.fds = make(map[int]*fdEntry)
	l.ready = nil

	l.signals.stop()
	l.destroyed = true
	l.closeFDs()
}

// closeFDs closes file descriptors.
func (l *Loop) closeFDs() {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	l.closed = true
	_ = l.poller.close()
	_ = unix.Close(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = unix.Close(l.wakeWriteFd)
	}
}

// Prepare computes how long the next Poll may block: the minimum of the
// earliest timer deadline and each subloop's reported timeout. A negative
// timeout means no deadline. ready is true when work is already pending, in
// which case the timeout is zero.
func (l *Loop) Prepare() (timeout time.Duration, ready bool) {
	if l.destroyed || l.super != nil {
		return -1, false
	}

	timeout = -1
	if l.hasPendingWork() {
		ready = true
	}

	for _, t := range l.timers {
		if t.dead || t.expired {
			continue
		}
		timeout = max(time.Until(t.deadline), 0)
		break
	}

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

	if ready || timeout == 0 {
		return 0, true
	}
	return timeout, false
}

// Poll blocks in the OS multiplexer for at most timeout (negative blocks
// until an fd becomes ready) and records the readiness set for the next
// Dispatch.
func (l *Loop) Poll(timeout time.Duration) error {
	switch {
	case l.destroyed:
		return ErrLoopDestroyed
	case l.super != nil:
		return ErrSuperloopActive
	case l.dispatching:
		return ErrReentrantRun
	}

	l.pollSeq++
	out, err := l.poller.wait(timeoutMillis(timeout), l.pollBuf[:0])
	l.pollBuf = out
	l.ready = l.ready[:0]
	if err != nil {
		l.logger.Err().Err(err).Log(`poll failed`)
		return fmt.Errorf("mainloop: poll: %w", err)
	}

	for _, pfd := range out {
		l.recordReady(pfd)
	}
	return nil
}

// recordReady runs the internal bookkeeping watches for a ready fd, and
// queues the fd for dispatch if any other watch is interested in it.
func (l *Loop) recordReady(pfd PollFD) {
	e := l.fds[pfd.Fd]
	if e == nil {
		return
	}
	external := false
	for _, w := range e.watches {
		if w.dead {
			continue
		}
		if !w.internal {
			external = true
			continue
		}
		if rev := pfd.Revents & (w.events | alwaysEvents); rev != 0 {
			w.cb(w, w.fd, rev)
		}
	}
	if external {
		l.ready = append(l.ready, pfd)
	}
}

// Dispatch runs one pass over every phase, in order: signals, submitted
// tasks and deferred tasks, expired timers, subloops, slave I/O, own I/O.
// Items deleted during the pass are purged once it completes.
func (l *Loop) Dispatch() {
	if l.destroyed {
		return
	}
	if l.dispatching {
		invariant("dispatch reentered")
	}
	l.dispatching = true
	defer func() {
		l.dispatching = false
		l.ready = l.ready[:0]
		l.compact()
	}()

	l.stats.Iterations++

	l.dispatchSignals()
	l.runSubmitted()
	l.runDeferred()
	l.runTimers()
	l.dispatchSubloops()
	l.dispatchIO(true)
	l.dispatchIO(false)
}

// Iterate performs exactly one prepare, poll, dispatch cycle.
func (l *Loop) Iterate() error {
	if err := l.checkRunnable(); err != nil {
		return err
	}
	return l.iterate()
}

func (l *Loop) iterate() error {
	timeout, _ := l.Prepare()
	if err := l.Poll(timeout); err != nil {
		return err
	}
	l.Dispatch()
	return nil
}

// Run repeats Iterate until Quit is called, ctx is done, or polling fails.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.checkRunnable(); err != nil {
		return err
	}
	if l.running {
		return ErrReentrantRun
	}
	l.running = true
	defer func() {
		l.running = false
		l.quitting = false
	}()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, l.Wakeup)
		defer stop()
	}

	for !l.quitting {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.iterate(); err != nil {
			return err
		}
		if l.super != nil {
			// attached from a callback
			return ErrSuperloopActive
		}
	}
	return nil
}

func (l *Loop) checkRunnable() error {
	switch {
	case l.destroyed:
		return ErrLoopDestroyed
	case l.super != nil:
		return ErrSuperloopActive
	case l.host != nil:
		return ErrEmbedded
	case l.dispatching:
		return ErrReentrantRun
	}
	return nil
}

// Quit requests Run to return once the current dispatch pass completes.
// Calling it more than once keeps the latest exit code.
func (l *Loop) Quit(code int) {
	l.quitting = true
	l.exitCode = code
}

// ExitCode returns the code passed to the most recent Quit.
func (l *Loop) ExitCode() int {
	return l.exitCode
}

// hasPendingWork reports whether a dispatch pass would do something without
// any fd becoming ready.
func (l *Loop) hasPendingWork() bool {
	if l.hasSubmitted() || l.signals.hasPending() {
		return true
	}
	for _, d := range l.deferred {
		if !d.dead && d.enabled {
			return true
		}
	}
	now := time.Now()
	for _, t := range l.timers {
		if t.dead || t.expired {
			continue
		}
		return !t.deadline.After(now)
	}
	return false
}

// maybeCompact purges tombstones immediately, unless a pass is in flight.
func (l *Loop) maybeCompact() {
	l.needCompact = true
	if !l.dispatching {
		l.compact()
	}
}

// compact physically removes tombstoned items. It always builds new slices,
// so a slice captured by an iteration stays valid.
func (l *Loop) compact() {
	if !l.needCompact {
		return
	}
	l.needCompact = false

	l.watches = compactSlice(l.watches, func(w *IOWatch) bool { return w.dead })
	for fd, e := range l.fds {
		e.watches = compactSlice(e.watches, func(w *IOWatch) bool { return w.dead })
		if len(e.watches) == 0 {
			delete(l.fds, fd)
		}
	}
	l.timers = compactSlice(l.timers, func(t *Timer) bool { return t.dead || t.expired })
	l.deferred = compactSlice(l.deferred, func(d *Deferred) bool { return d.dead })
	l.sigs = compactSlice(l.sigs, func(h *SigHandler) bool { return h.dead })
	l.subloops = compactSlice(l.subloops, func(s *Subloop) bool { return s.dead })
}

func compactSlice[T any](s []T, dead func(T) bool) []T {
	n := 0
	for _, v := range s {
		if !dead(v) {
			n++
		}
	}
	if n == len(s) {
		return s
	}
	out := make([]T, 0, n)
	for _, v := range s {
		if !dead(v) {
			out = append(out, v)
		}
	}
	return out
}

// safeExecute runs a callback, recovering and logging any panic. Invariant
// violations are re-raised.
func (l *Loop) safeExecute(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if isInvariantPanic(r) {
				panic(r)
			}
			l.logger.Err().
				Str(`kind`, kind).
				Err(PanicError{Value: r}).
				Log(`callback panicked`)
		}
	}()
	fn()
}

// notifyHost tells an embedding loop that this loop's primitive set changed.
func (l *Loop) notifyHost() {
	if l.host != nil && !l.host.dead {
		l.host.loop.subloopChanged()
	}
}

// timeoutMillis converts a timeout to poll milliseconds, rounding up so a
// sub-millisecond deadline does not degrade into a busy loop.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
