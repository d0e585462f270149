package cmd

import (
	"fmt"
	"io"

	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/bus/dbus"
	"github.com/joeycumines/go-mainloop/bus/membus"
	"github.com/joeycumines/go-mainloop/codec"
	"github.com/joeycumines/go-mainloop/config"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/go-mainloop/transport"
	bustransport "github.com/joeycumines/go-mainloop/transport/bus"
	"github.com/joeycumines/go-mainloop/transport/dgram"
	"github.com/joeycumines/go-mainloop/transport/stream"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Text is the value exchanged in data mode.
type Text struct {
	Text string `cbor:"1,keyasint"`
}

const textTag = 1

// memNetwork backs the "mem" bus kind, shared by every command run in the
// process.
var memNetwork = membus.NewNetwork()

// app is the runtime shared by the commands: a loop, and a registry with
// every backend.
type app struct {
	cfg    config.Config
	logger *logiface.Logger[logiface.Event]
	loop   *mainloop.Loop
	reg    *transport.Registry
	opts   []transport.Option
}

func newApp(cfg config.Config, logOutput io.Writer) (*app, error) {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(logOutput)),
		stumpy.L.WithLevel(cfg.Level()),
	).Logger()

	loop, err := mainloop.New(mainloop.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create loop: %w", err)
	}
	reg, err := transport.NewRegistry(transport.WithRegistryLogger(logger))
	if err != nil {
		loop.Destroy()
		return nil, err
	}
	var dial bus.Dialer
	switch cfg.Bus.Kind {
	case config.BusMemory:
		dial = memNetwork.Dialer()
	default:
		dial = dbus.Dialer()
	}
	for _, register := range []func() error{
		func() error { return stream.Register(reg) },
		func() error { return dgram.Register(reg) },
		func() error { return bustransport.Register(reg, dial) },
	} {
		if err := register(); err != nil {
			loop.Destroy()
			return nil, err
		}
	}

	opts := cfg.TransportOptions()
	data, err := codec.NewDataCodec()
	if err == nil {
		err = data.Register(textTag, Text{})
	}
	if err != nil {
		loop.Destroy()
		return nil, err
	}
	opts = append(opts, transport.WithDataCodec(data))

	return &app{cfg: cfg, logger: logger, loop: loop, reg: reg, opts: opts}, nil
}

func (x *app) Close() {
	x.loop.Destroy()
}

// create resolves the configured address to its transport type, and creates
// a transport of that type.
func (x *app) create(cbs transport.Callbacks) (*transport.Transport, transport.Address, error) {
	name, addr, err := x.reg.Resolve(x.cfg.Transport.Address)
	if err != nil {
		return nil, transport.Address{}, err
	}
	t, err := x.reg.Create(name, x.loop, cbs, x.opts...)
	if err != nil {
		return nil, transport.Address{}, err
	}
	return t, addr, nil
}

// textOf extracts the text of a received unit.
func textOf(v any) (string, error) {
	switch v := v.(type) {
	case []byte:
		return string(v), nil
	case *msg.Msg:
		return msg.Lookup[string](v, 1)
	case Text:
		return v.Text, nil
	}
	return "", fmt.Errorf("unexpected %T received", v)
}

// newPayload builds the unit sent for s in mode.
func newPayload(mode transport.Mode, s string) (any, error) {
	switch mode {
	case transport.ModeMsg:
		m := msg.New()
		if err := m.Add(1, s); err != nil {
			return nil, err
		}
		return m, nil
	case transport.ModeData:
		return Text{Text: s}, nil
	}
	return []byte(s), nil
}

// send sends v on t, to addr if it is not nil.
func send(t *transport.Transport, v any, addr *transport.Address) error {
	switch v := v.(type) {
	case []byte:
		if addr != nil {
			return t.SendRawTo(v, *addr)
		}
		return t.SendRaw(v)
	case *msg.Msg:
		if addr != nil {
			return t.SendTo(v, *addr)
		}
		return t.Send(v)
	}
	if addr != nil {
		return t.SendDataTo(v, *addr)
	}
	return t.SendData(v)
}
