package transport

import (
	"fmt"

	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/logiface"
)

// host is the Host a transport hands to its backend.
type host struct {
	t *Transport
}

var _ Host = (*host)(nil)

func (h *host) Loop() *mainloop.Loop                     { return h.t.loop }
func (h *host) Logger() *logiface.Logger[logiface.Event] { return h.t.opts.logger }
func (h *host) Settings() Settings                       { return h.t.opts.settings }
func (h *host) Hold()                                    { h.t.hold() }
func (h *host) Release()                                 { h.t.release() }

// call runs a user callback, holding a reference so the backend outlives it.
func (t *Transport) call(fn func()) {
	t.refs++
	defer func() {
		t.refs--
		t.finalize()
	}()
	fn()
}

func (h *host) Deliver(payload []byte, from *Address) error {
	t := h.t
	if !t.receiving() {
		return ErrStopped
	}
	t.refs++
	defer func() {
		t.refs--
		t.finalize()
	}()

	if t.opts.mode == ModeRaw {
		t.fireRaw(payload, from)
		return t.stopped()
	}
	if t.entry.caps&CapPreservesBoundaries != 0 {
		return t.deliverUnit(payload, from)
	}

	t.inbuf = append(t.inbuf, payload...)
	frames, rest, splitErr := t.framer.Split(t.inbuf)
	for _, f := range frames {
		if err := t.deliverUnit(f, from); err != nil {
			return err
		}
	}
	if splitErr != nil {
		return t.protocolError(splitErr)
	}
	n := copy(t.inbuf, rest)
	t.inbuf = t.inbuf[:n]
	return nil
}

func (h *host) Malformed(err error) error {
	t := h.t
	if !t.receiving() {
		return ErrStopped
	}
	t.refs++
	defer func() {
		t.refs--
		t.finalize()
	}()
	return t.protocolError(err)
}

func (t *Transport) stopped() error {
	if !t.receiving() {
		return ErrStopped
	}
	return nil
}

func (t *Transport) deliverUnit(payload []byte, from *Address) error {
	v, err := t.decode(payload)
	if err != nil {
		return t.protocolError(err)
	}
	if t.opts.mode == ModeMsg {
		m := v.(*msg.Msg)
		if from != nil {
			t.cbs.RecvFrom(t, m, *from)
		} else {
			t.cbs.Recv(t, m)
		}
	} else if from != nil {
		t.cbs.RecvDataFrom(t, v, *from)
	} else {
		t.cbs.RecvData(t, v)
	}
	return t.stopped()
}

func (t *Transport) fireRaw(payload []byte, from *Address) {
	if from != nil {
		t.cbs.RecvRawFrom(t, payload, *from)
	} else {
		t.cbs.RecvRaw(t, payload)
	}
}

// protocolError reports err through the Error callback. Connectionless
// transports stay open; others are closed.
func (t *Transport) protocolError(err error) error {
	err = fmt.Errorf("transport %q: %w", t.entry.name, err)
	if t.cbs.Error != nil {
		t.call(func() { t.cbs.Error(t, err) })
	}
	if !t.accepting() {
		return err
	}
	if t.entry.caps&CapConnectionless != 0 {
		return err
	}
	t.logger().Warning().Str(`type`, t.entry.name).Err(err).Log(`closing transport on protocol error`)
	if derr := t.backend.Disconnect(); derr != nil {
		t.logger().Debug().Err(derr).Log(`disconnect after protocol error`)
	}
	t.inbuf = t.inbuf[:0]
	t.setState(StateClosed)
	if t.cbs.Closed != nil {
		t.call(func() { t.cbs.Closed(t, err) })
	}
	return err
}

func (h *host) Incoming() {
	t := h.t
	if t.state == StateListening {
		t.call(func() { t.cbs.Connection(t) })
	}
}

func (h *host) ConnectDone(err error) {
	t := h.t
	if t.state == StateConnecting {
		if err == nil {
			t.learnAddresses()
			t.setState(StateConnected)
			if t.cbs.Connected != nil {
				t.call(func() { t.cbs.Connected(t) })
			}
		} else {
			t.logger().Debug().Str(`type`, t.entry.name).Str(`peer`, t.peer.Text).Err(err).Log(`connect failed`)
			t.setState(StateClosed)
			if t.cbs.Closed != nil {
				t.call(func() { t.cbs.Closed(t, err) })
			}
		}
	}
	t.release()
}

func (h *host) ResolveDone(addr Address, err error) {
	t := h.t
	if !t.resolving {
		invariant("unexpected resolve completion on %q transport", t.entry.name)
	}
	t.resolving = false
	if t.state == StateResolving {
		if err == nil {
			t.setState(StateResolved)
		} else {
			t.setState(StateIdle)
		}
	}
	if t.accepting() {
		t.call(func() { t.cbs.Resolved(t, addr, err) })
	}
	t.release()
}

func (h *host) PeerClosed(err error) {
	t := h.t
	if !t.accepting() {
		return
	}
	t.inbuf = t.inbuf[:0]
	t.setState(StateClosed)
	if t.cbs.Closed != nil {
		t.call(func() { t.cbs.Closed(t, err) })
	}
}

func (h *host) Drained() {
	t := h.t
	if t.accepting() && t.cbs.Drained != nil {
		t.call(func() { t.cbs.Drained(t) })
	}
}
