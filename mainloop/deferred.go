package mainloop

// Deferred is a callback run once per dispatch pass for as long as it is
// enabled. Disabling it does not delete it.
type Deferred struct {
	loop    *Loop
	cb      func(d *Deferred)
	super   any
	enabled bool
	dead    bool
}

// Enabled reports whether the task runs on the next pass.
func (d *Deferred) Enabled() bool { return d.enabled }

// AddDeferred registers an enabled deferred task.
func (l *Loop) AddDeferred(cb func(d *Deferred)) (*Deferred, error) {
	if l.destroyed {
		return nil, ErrLoopDestroyed
	}
	if cb == nil {
		return nil, ErrInvalidArgument
	}

	d := &Deferred{loop: l, cb: cb, enabled: true}
	if l.super != nil {
		h, err := l.super.AddDeferred(func() { l.fireForwardedDeferred(d) })
		if err != nil {
			return nil, err
		}
		d.super = h
	}
	l.deferred = append(l.deferred, d)
	l.notifyHost()
	return d, nil
}

// EnableDeferred makes d run on every pass.
func (l *Loop) EnableDeferred(d *Deferred) error {
	return l.setDeferred(d, true)
}

// DisableDeferred stops d from running until it is enabled again.
func (l *Loop) DisableDeferred(d *Deferred) error {
	return l.setDeferred(d, false)
}

func (l *Loop) setDeferred(d *Deferred, enabled bool) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if d == nil || d.loop != l || d.dead {
		return ErrInvalidHandle
	}
	if d.enabled == enabled {
		return nil
	}
	if d.super != nil {
		if err := l.super.EnableDeferred(d.super, enabled); err != nil {
			return err
		}
	}
	d.enabled = enabled
	if enabled {
		l.notifyHost()
	}
	return nil
}

// DelDeferred removes a deferred task.
func (l *Loop) DelDeferred(d *Deferred) error {
	if l.destroyed {
		return ErrLoopDestroyed
	}
	if d == nil || d.loop != l {
		return ErrInvalidHandle
	}
	if d.dead {
		invariant("deferred task deleted twice")
	}
	d.dead = true

	var err error
	if d.super != nil {
		if l.super != nil {
			err = l.super.DelDeferred(d.super)
		}
		d.super = nil
	}
	l.maybeCompact()
	return err
}

func (l *Loop) runDeferred() {
	for _, d := range l.deferred {
		if d.dead || !d.enabled {
			continue
		}
		l.fireDeferred(d)
	}
}

func (l *Loop) fireDeferred(d *Deferred) {
	l.stats.DeferredRun++
	l.safeExecute(`deferred`, func() { d.cb(d) })
}

func (l *Loop) fireForwardedDeferred(d *Deferred) {
	if d.dead || !d.enabled {
		return
	}
	l.fireDeferred(d)
}
