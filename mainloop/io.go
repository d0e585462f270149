package mainloop

import (
	"errors"
	"fmt"
)

// IOCallback is invoked with the subset of the watch's interest mask that is
// ready, plus EventError and EventHangup when reported.
type IOCallback func(w *IOWatch, fd int, events IOEvents)

// IOWatch is an I/O readiness registration. Several watches may share an fd.
type IOWatch struct {
	loop *Loop
	cb   IOCallback
	// super is the host handle while the watch is forwarded to a superloop.
	super   any
	fd      int
	events  IOEvents
	armedAt uint64
	// attached is true while the watch is in the loop's own fd table.
	attached bool
	dead     bool
	// slave watches were forwarded into this loop by a superloop client.
	slave bool
	// internal watches are loop bookkeeping, run while polling.
	internal bool
}

// Fd returns the watched file descriptor.
func (w *IOWatch) Fd() int { return w.fd }

// Events returns the current interest mask.
func (w *IOWatch) Events() IOEvents { return w.events }

// fdEntry aggregates every watch registered for one fd.
type fdEntry struct {
	watches    []*IOWatch
	fd         int
	mask       IOEvents
	registered bool
}

// AddIOWatch registers cb for readiness of fd. events selects EventRead
// and/or EventWrite; error and hangup conditions are always reported.
func (l *Loop) AddIOWatch(fd int, events IOEvents, cb IOCallback) (*IOWatch, error) {
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
		cb:     cb,
	}
	if err := l.installWatch(w); err != nil {
		return nil, err
	}
	l.watches = append(l.watches, w)
	l.notifyHost()
	return w, nil
}

// ModIOWatch replaces the interest mask of a watch.
func (l *Loop) ModIOWatch(w *IOWatch, events IOEvents) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if w == nil || w.loop != l || w.internal || w.dead {
		return ErrInvalidHandle
	}
	if err := l.modWatch(w, events&(EventRead|EventWrite)); err != nil {
		return err
	}
	l.notifyHost()
	return nil
}

// DelIOWatch removes a watch. Within a dispatch pass the watch is skipped
// for the remainder of the pass and purged afterward.
func (l *Loop) DelIOWatch(w *IOWatch) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if w == nil || w.loop != l || w.internal {
		return ErrInvalidHandle
	}
	if w.dead {
		invariant("io watch on fd %d deleted twice", w.fd)
	}
	return l.dropWatch(w)
}

// installWatch registers a new watch either locally or with the superloop.
func (l *Loop) installWatch(w *IOWatch) error {
	if l.super != nil {
		h, err := l.super.AddIO(w.fd, w.events, func(events IOEvents) {
			l.fireForwardedWatch(w, events)
		})
		if err != nil {
			return err
		}
		w.super = h
		return nil
	}
	return l.attachWatch(w)
}

// attachWatch adds a watch to the local fd table.
func (l *Loop) attachWatch(w *IOWatch) error {
	w.armedAt = l.pollSeq
	e := l.fds[w.fd]
	if e == nil {
		e = &fdEntry{fd: w.fd}
		l.fds[w.fd] = e
	}
	e.watches = append(e.watches, w)
	// the fd number may have been closed and reused since it was registered
	e.registered = false
	if err := l.syncFD(e); err != nil {
		e.watches = compactSlice(e.watches, func(v *IOWatch) bool { return v == w })
		if len(e.watches) == 0 {
			delete(l.fds, w.fd)
		}
		return fmt.Errorf("mainloop: register fd %d: %w", w.fd, err)
	}
	w.attached = true
	return nil
}

// detachWatch removes a live watch from the local fd table.
func (l *Loop) detachWatch(w *IOWatch) {
	w.attached = false
	e := l.fds[w.fd]
	if e == nil {
		return
	}
	e.watches = compactSlice(e.watches, func(v *IOWatch) bool { return v == w })
	if err := l.syncFD(e); err != nil {
		l.logger.Warning().Int(`fd`, w.fd).Err(err).Log(`failed to update fd interest`)
	}
	if len(e.watches) == 0 {
		delete(l.fds, w.fd)
	}
}

func (l *Loop) modWatch(w *IOWatch, events IOEvents) error {
	old := w.events
	w.events = events
	if w.super != nil {
		if err := l.super.ModIO(w.super, events); err != nil {
			w.events = old
			return err
		}
		return nil
	}
	if e := l.fds[w.fd]; e != nil && w.attached {
		if err := l.syncFD(e); err != nil {
			w.events = old
			return fmt.Errorf("mainloop: modify fd %d: %w", w.fd, err)
		}
	}
	return nil
}

// dropWatch tombstones a watch and updates whichever side polls it.
func (l *Loop) dropWatch(w *IOWatch) error {
	w.dead = true
	var err error
	if w.super != nil {
		if l.super != nil {
			err = l.super.DelIO(w.super)
		}
		w.super = nil
	} else if e := l.fds[w.fd]; e != nil && w.attached {
		if serr := l.syncFD(e); serr != nil {
			err = fmt.Errorf("mainloop: deregister fd %d: %w", w.fd, serr)
		}
	}
	w.attached = false
	l.maybeCompact()
	return err
}

// syncFD recomputes the aggregate interest of an fd and pushes it to the
// poller. Tombstoned watches no longer count.
func (l *Loop) syncFD(e *fdEntry) error {
	var mask IOEvents
	live := false
	for _, w := range e.watches {
		if !w.dead {
			live = true
			mask |= w.events
		}
	}

	switch {
	case !live:
		if e.registered {
			e.registered = false
			if err := l.poller.del(e.fd); err != nil && !ignorableDelError(err) && !errors.Is(err, errPollerClosed) {
				return err
			}
		}
	case !e.registered:
		if err := l.poller.add(e.fd, mask); err != nil {
			return err
		}
		e.registered = true
	case mask != e.mask:
		if err := l.poller.mod(e.fd, mask); err != nil {
			return err
		}
	}
	e.mask = mask
	return nil
}

// dispatchIO runs the watches for every fd recorded by the last poll, either
// the slave category or the loop's own watches. A watch armed after that
// poll is not eligible.
func (l *Loop) dispatchIO(slave bool) {
	for _, pfd := range l.ready {
		e := l.fds[pfd.Fd]
		if e == nil {
			continue
		}
		for _, w := range e.watches {
			if w.dead || w.internal || w.slave != slave || w.armedAt >= l.pollSeq {
				continue
			}
			if rev := pfd.Revents & (w.events | alwaysEvents); rev != 0 {
				l.fireWatch(w, rev)
			}
		}
	}
}

func (l *Loop) fireWatch(w *IOWatch, events IOEvents) {
	l.stats.IOEvents++
	l.safeExecute(`io`, func() { w.cb(w, w.fd, events) })
}

// fireForwardedWatch is the superloop's callback for a forwarded watch.
func (l *Loop) fireForwardedWatch(w *IOWatch, events IOEvents) {
	if w.dead {
		return
	}
	rev := events & (w.events | alwaysEvents)
	if rev == 0 {
		return
	}
	if w.internal {
		w.cb(w, w.fd, rev)
		return
	}
	l.fireWatch(w, rev)
}
