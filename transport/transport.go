package transport

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-mainloop/codec"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/logiface"
)

// Transport is a typed communication handle bound to one backend instance.
// It must only be used on the goroutine running its loop.
type Transport struct {
	reg     *Registry
	entry   *typeEntry
	loop    *mainloop.Loop
	backend Backend
	host    *host
	cbs     Callbacks
	opts    *transportOptions
	framer  codec.Framer
	msgs    msg.Codec

	state State
	// pending counts asynchronous requests in flight; destruction waits for
	// it to drain
	pending int
	// refs counts active calls into user callbacks; the backend is released
	// only once they have returned
	refs      int
	resolving bool
	finalized bool

	inbuf []byte
	local Address
	peer  Address
}

func newTransport(r *Registry, e *typeEntry, loop *mainloop.Loop, cbs Callbacks, opts *transportOptions) (*Transport, error) {
	if err := cbs.check(e.caps, opts.mode); err != nil {
		return nil, err
	}
	t := &Transport{
		reg:    r,
		entry:  e,
		loop:   loop,
		cbs:    cbs,
		opts:   opts,
		framer: codec.Framer{MaxFrameSize: opts.maxFrameSize},
	}
	t.host = &host{t: t}
	return t, nil
}

// Type is the registered type name of the backend.
func (t *Transport) Type() string         { return t.entry.name }
func (t *Transport) Caps() Caps           { return t.entry.caps }
func (t *Transport) Mode() Mode           { return t.opts.mode }
func (t *Transport) State() State         { return t.state }
func (t *Transport) Loop() *mainloop.Loop { return t.loop }

// Pending returns the number of asynchronous requests in flight.
func (t *Transport) Pending() int { return t.pending }

// LocalAddress returns the address passed to Bind.
func (t *Transport) LocalAddress() Address { return t.local }

// PeerAddress returns the address passed to Connect.
func (t *Transport) PeerAddress() Address { return t.peer }

func (t *Transport) logger() *logiface.Logger[logiface.Event] { return t.opts.logger }

func (t *Transport) setState(s State) {
	if t.state == s {
		return
	}
	t.logger().Debug().
		Str(`type`, t.entry.name).
		Str(`from`, t.state.String()).
		Str(`to`, s.String()).
		Log(`transport state changed`)
	t.state = s
}

func (t *Transport) require(op string, states ...State) error {
	if !t.state.in(states...) {
		return fmt.Errorf("%w: %s in state %v", ErrInvalidState, op, t.state)
	}
	return nil
}

// accepting reports whether events may still reach user callbacks.
func (t *Transport) accepting() bool {
	return !t.state.in(StateClosing, StateClosed, StateDestroyed)
}

// receiving reports whether received data may reach user callbacks.
func (t *Transport) receiving() bool {
	return t.state.in(StateBound, StateConnected)
}

// Resolve parses address for this transport's backend. Backends with
// CapAsyncResolve return ErrInProgress and report the result through the
// Resolved callback; an Idle transport is Resolving meanwhile.
func (t *Transport) Resolve(address string) (Address, error) {
	if err := t.require(`resolve`, StateIdle, StateResolved, StateBound, StateListening, StateConnected); err != nil {
		return Address{}, err
	}
	if t.resolving {
		return Address{}, fmt.Errorf("%w: resolve already in progress", ErrInvalidState)
	}
	if t.entry.caps&CapAsyncResolve != 0 && t.cbs.Resolved == nil {
		return Address{}, fmt.Errorf("%w: Resolved required to resolve", ErrIncompleteCallbacks)
	}

	a, err := t.backend.Resolve(address)
	if errors.Is(err, ErrInProgress) {
		t.resolving = true
		t.pending++
		if t.state == StateIdle {
			t.setState(StateResolving)
		}
		return Address{}, err
	}
	if err != nil {
		return Address{}, err
	}
	if t.state == StateIdle {
		t.setState(StateResolved)
	}
	return a, nil
}

// Bind binds the transport to a local address, moving it to Bound.
func (t *Transport) Bind(addr Address) error {
	if err := t.require(`bind`, StateIdle, StateResolved); err != nil {
		return err
	}
	if err := t.backend.Bind(addr); err != nil {
		return err
	}
	t.local = addr
	t.learnAddresses()
	t.setState(StateBound)
	return nil
}

// Listen starts accepting connections. The Connection callback fires for
// each one, and the transport stays Listening.
func (t *Transport) Listen() error {
	if t.entry.caps&CapListen == 0 {
		return fmt.Errorf("%w: %q cannot listen", ErrNotSupported, t.entry.name)
	}
	if err := t.require(`listen`, StateBound); err != nil {
		return err
	}
	if t.cbs.Connection == nil {
		return fmt.Errorf("%w: Connection required to listen", ErrIncompleteCallbacks)
	}
	if err := t.backend.Listen(t.opts.settings.Backlog); err != nil {
		return err
	}
	t.setState(StateListening)
	return nil
}

// Accept takes a pending connection as a new Connected transport of the
// same type and mode (unless overridden by opts).
func (t *Transport) Accept(cbs Callbacks, opts ...Option) (*Transport, error) {
	if err := t.require(`accept`, StateListening); err != nil {
		return nil, err
	}
	cfg, err := resolveOptions(t.opts, opts)
	if err != nil {
		return nil, err
	}
	child, err := newTransport(t.reg, t.entry, t.loop, cbs, cfg)
	if err != nil {
		return nil, err
	}
	b, err := t.backend.Accept(child.host)
	if err != nil {
		return nil, err
	}
	child.backend = b
	child.learnAddresses()
	child.state = StateConnected
	child.entry.live++
	t.logger().Info().Str(`type`, t.entry.name).Str(`local`, t.local.Text).Log(`accepted connection`)
	return child, nil
}

// Connect connects to addr. On backends that connect asynchronously the
// transport is Connecting until the Connected callback fires, or Closed if
// the attempt fails.
func (t *Transport) Connect(addr Address) error {
	if err := t.require(`connect`, StateIdle, StateResolved, StateBound); err != nil {
		return err
	}
	err := t.backend.Connect(addr)
	if err != nil && !errors.Is(err, ErrInProgress) {
		return err
	}
	t.peer = addr
	if err != nil {
		t.pending++
		t.setState(StateConnecting)
		return nil
	}
	t.learnAddresses()
	t.setState(StateConnected)
	return nil
}

// learnAddresses replaces the requested addresses with those the backend
// reports.
func (t *Transport) learnAddresses() {
	a, ok := t.backend.(Addresser)
	if !ok {
		return
	}
	if v := a.LocalAddress(); !v.IsZero() {
		t.local = v
	}
	if v := a.PeerAddress(); !v.IsZero() {
		t.peer = v
	}
}

// Disconnect drops the connection, returning the transport to Idle.
func (t *Transport) Disconnect() error {
	if err := t.require(`disconnect`, StateConnected, StateConnecting, StateClosed); err != nil {
		return err
	}
	if t.state == StateConnecting {
		// the backend abandons the attempt without reporting it
		t.release()
	}
	err := t.backend.Disconnect()
	t.inbuf = t.inbuf[:0]
	t.peer = Address{}
	t.local = Address{}
	t.setState(StateIdle)
	return err
}

// Destroy releases the transport. With requests pending it enters Closing
// and is destroyed once they complete. No callback fires after Destroy.
func (t *Transport) Destroy() error {
	if t.state.in(StateClosing, StateDestroyed) {
		return fmt.Errorf("%w: destroy in state %v", ErrInvalidState, t.state)
	}
	if t.pending > 0 {
		t.setState(StateClosing)
		return nil
	}
	t.setState(StateDestroyed)
	t.finalize()
	return nil
}

// finalize releases the backend once destroyed and no callback is running.
func (t *Transport) finalize() {
	if t.finalized || t.refs > 0 {
		return
	}
	if t.state == StateClosing && t.pending == 0 {
		t.setState(StateDestroyed)
	}
	if t.state != StateDestroyed {
		return
	}
	t.finalized = true
	t.inbuf = nil
	t.backend.Close()
	t.reg.release(t.entry)
}

func (t *Transport) hold() { t.pending++ }

func (t *Transport) release() {
	t.pending--
	if t.pending < 0 {
		invariant("negative pending count on %q transport", t.entry.name)
	}
	t.finalize()
}

// Send sends a message to the connected peer.
func (t *Transport) Send(m *msg.Msg) error { return t.send(ModeMsg, m, nil) }

// SendTo sends a message to addr, on connectionless or bus transports.
func (t *Transport) SendTo(m *msg.Msg, addr Address) error { return t.send(ModeMsg, m, &addr) }

// SendRaw sends bytes as they are, on a ModeRaw transport.
func (t *Transport) SendRaw(data []byte) error { return t.send(ModeRaw, data, nil) }

// SendRawTo is SendRaw with an explicit destination.
func (t *Transport) SendRawTo(data []byte, addr Address) error { return t.send(ModeRaw, data, &addr) }

// SendData encodes v with the data codec and sends it to the peer.
func (t *Transport) SendData(v any) error { return t.send(ModeData, v, nil) }

// SendDataTo is SendData with an explicit destination.
func (t *Transport) SendDataTo(v any, addr Address) error { return t.send(ModeData, v, &addr) }

func (t *Transport) send(mode Mode, v any, to *Address) error {
	if mode != t.opts.mode {
		return fmt.Errorf("%w: %v send on a %v transport", ErrNotSupported, mode, t.opts.mode)
	}
	if to != nil {
		if !t.entry.caps.addressed() {
			return fmt.Errorf("%w: %q is connection-oriented", ErrNotSupported, t.entry.name)
		}
		if err := t.require(`send to`, StateBound, StateConnected); err != nil {
			return err
		}
	} else if err := t.require(`send`, StateConnected); err != nil {
		return err
	}

	payload, err := t.encode(v)
	if err != nil {
		return err
	}
	if mode != ModeRaw && t.entry.caps&CapPreservesBoundaries == 0 {
		if payload, err = t.framer.AppendFrame(nil, payload); err != nil {
			return err
		}
	}
	if to != nil {
		return t.backend.SendTo(payload, *to)
	}
	return t.backend.Send(payload)
}

func (t *Transport) encode(v any) ([]byte, error) {
	switch t.opts.mode {
	case ModeMsg:
		return t.msgs.Encode(v)
	case ModeData:
		return t.opts.dataCodec.Encode(v)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: raw send of %T", ErrInvalidArgument, v)
	}
	return b, nil
}

func (t *Transport) decode(payload []byte) (any, error) {
	if t.opts.mode == ModeMsg {
		return t.msgs.Decode(payload)
	}
	return t.opts.dataCodec.Decode(payload)
}
