package mainloop

import (
	"time"
)

// SubloopOps is the contract a guest event source implements so that a host
// loop can drive it. The host calls Prepare then Query before polling, and
// Check then (if work is ready) Dispatch during its subloop phase.
type SubloopOps interface {
	// Prepare reports how long the guest may wait (negative for no
	// deadline), and whether it already has work ready.
	Prepare() (timeout time.Duration, ready bool)
	// Query appends the fds the guest wants polled to buf.
	Query(buf []PollFD) []PollFD
	// Check receives the queried fds with Revents filled in by the host,
	// and reports whether the guest has work to dispatch.
	Check(fds []PollFD) bool
	// Dispatch runs the guest's ready work.
	Dispatch()
}

// Subloop is a guest registered with a host loop. The host owns it; an
// embedded Loop keeps only a back-reference.
type Subloop struct {
	loop    *Loop
	ops     SubloopOps
	guest   *Loop
	fds     []PollFD
	want    map[int]IOEvents
	watches map[int]*IOWatch
	ready   bool
	dead    bool
}

// AddSubloop embeds a guest event source. A Loop may be embedded through
// its SubloopOps, at most once at a time.
func (l *Loop) AddSubloop(ops SubloopOps) (*Subloop, error) {
	if l.destroyed {
		return nil, ErrLoopDestroyed
	}
	if ops == nil {
		return nil, ErrInvalidArgument
	}

	s := &Subloop{
		loop:    l,
		ops:     ops,
		want:    make(map[int]IOEvents),
		watches: make(map[int]*IOWatch),
	}
	if g, ok := ops.(*guestOps); ok {
		switch {
		case g.l == l:
			return nil, ErrInvalidArgument
		case g.l.destroyed:
			return nil, ErrLoopDestroyed
		case g.l.host != nil:
			return nil, ErrEmbedded
		case g.l.super != nil:
			return nil, ErrSuperloopActive
		case g.l.running:
			return nil, ErrReentrantRun
		}
		s.guest = g.l
		g.l.host = s
	}

	l.subloops = append(l.subloops, s)
	l.subloopChanged()
	return s, nil
}

// DelSubloop removes a guest. Its fds stop being polled immediately.
func (l *Loop) DelSubloop(s *Subloop) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if s == nil || s.loop != l {
		return ErrInvalidHandle
	}
	if s.dead {
		invariant("subloop deleted twice")
	}
	s.dead = true

	if s.guest != nil {
		s.guest.host = nil
		s.guest = nil
	}
	for fd, w := range s.watches {
		_ = l.dropWatch(w)
		delete(s.watches, fd)
	}
	l.maybeCompact()
	l.subloopChanged()
	return nil
}

// prepareSubloop runs the guest's Prepare and Query, and mirrors the queried
// fds as internal watches of this loop.
func (l *Loop) prepareSubloop(s *Subloop) (time.Duration, bool) {
	timeout, ready := s.ops.Prepare()
	s.ready = ready
	s.fds = s.ops.Query(s.fds[:0])

	clear(s.want)
	for i := range s.fds {
		s.fds[i].Revents = 0
		s.want[s.fds[i].Fd] |= s.fds[i].Events
	}

	for fd, w := range s.watches {
		if _, ok := s.want[fd]; !ok {
			_ = l.dropWatch(w)
			delete(s.watches, fd)
		}
	}
	for fd, events := range s.want {
		if w := s.watches[fd]; w != nil {
			if w.events != events {
				if err := l.modWatch(w, events); err != nil {
					l.logger.Warning().Int(`fd`, fd).Err(err).Log(`failed to update subloop fd`)
				}
			}
			continue
		}
		w := &IOWatch{
			loop:     l,
			fd:       fd,
			events:   events,
			internal: true,
			cb:       s.onReady,
		}
		if err := l.installWatch(w); err != nil {
			l.logger.Warning().Int(`fd`, fd).Err(err).Log(`failed to watch subloop fd`)
			continue
		}
		l.watches = append(l.watches, w)
		s.watches[fd] = w
	}

	return timeout, ready
}

// onReady merges readiness reported by the host into the guest's fd set.
func (s *Subloop) onReady(_ *IOWatch, fd int, events IOEvents) {
	for i := range s.fds {
		if s.fds[i].Fd == fd {
			s.fds[i].Revents |= events
		}
	}
	if s.loop.super != nil {
		s.loop.kickPump()
	}
}

// dispatchSubloops checks every guest and dispatches the ready ones.
func (l *Loop) dispatchSubloops() {
	for _, s := range l.subloops {
		l.dispatchSubloop(s)
	}
}

func (l *Loop) dispatchSubloop(s *Subloop) {
	if s.dead {
		return
	}
	checked := s.ops.Check(s.fds)
	ready := s.ready
	s.ready = false
	for i := range s.fds {
		s.fds[i].Revents = 0
	}
	if s.dead || !(ready || checked) {
		return
	}
	l.stats.SubloopDispatches++
	l.safeExecute(`subloop`, s.ops.Dispatch)
}

// subloopChanged is called when a guest's primitive set changes outside of a
// dispatch pass driven by this loop.
func (l *Loop) subloopChanged() {
	if l.super != nil {
		l.kickPump()
	}
}

// guestOps adapts a Loop to SubloopOps.
type guestOps struct {
	l *Loop
}

// SubloopOps returns an adapter that lets l be embedded in another loop via
// AddSubloop. The host then polls l's fds on its behalf.
func (l *Loop) SubloopOps() SubloopOps {
	if l.guest == nil {
		l.guest = &guestOps{l: l}
	}
	return l.guest
}

func (g *guestOps) Prepare() (time.Duration, bool) {
	return g.l.Prepare()
}

func (g *guestOps) Query(buf []PollFD) []PollFD {
	l := g.l
	if l.destroyed {
		return buf
	}
	l.pollSeq++
	for fd, e := range l.fds {
		if e.registered {
			buf = append(buf, PollFD{Fd: fd, Events: e.mask})
		}
	}
	return buf
}

func (g *guestOps) Check(fds []PollFD) bool {
	l := g.l
	if l.destroyed {
		return false
	}
	l.ready = l.ready[:0]
	active := false
	for _, pfd := range fds {
		if pfd.Revents != 0 {
			active = true
			l.recordReady(pfd)
		}
	}
	// readiness may belong to the guest's own subloops, checked in its dispatch
	return active || l.hasPendingWork()
}

func (g *guestOps) Dispatch() {
	g.l.Dispatch()
}
