package transport

import (
	"fmt"
	"strings"
	"testing"

	"github.com/joeycumines/go-mainloop/internal/looptest"
	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/stretchr/testify/require"
)

// fakeFactory creates fakeBackends, remembering each for inspection.
type fakeFactory struct {
	prefix       string
	asyncConnect bool
	asyncResolve bool
	created      []*fakeBackend
}

func (x *fakeFactory) Parse(address string) (Address, error) {
	if !strings.HasPrefix(address, x.prefix+":") {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedAddress, address)
	}
	return Address{Network: x.prefix, Text: address}, nil
}

func (x *fakeFactory) New(h Host) (Backend, error) {
	b := &fakeBackend{f: x, h: h}
	x.created = append(x.created, b)
	return b, nil
}

func (x *fakeFactory) Wrap(h Host, handle any) (Backend, error) {
	if _, ok := handle.(string); !ok {
		return nil, fmt.Errorf("%w: handle %T", ErrInvalidArgument, handle)
	}
	return x.New(h)
}

type fakeSend struct {
	payload []byte
	to      string
}

type fakeBackend struct {
	f            *fakeFactory
	h            Host
	sent         []fakeSend
	accepted     []*fakeBackend
	closed       int
	disconnected int
	sendErr      error
}

func (x *fakeBackend) Resolve(address string) (Address, error) {
	a, err := x.f.Parse(address)
	if err != nil || !x.f.asyncResolve {
		return a, err
	}
	return Address{}, ErrInProgress
}

func (x *fakeBackend) Bind(Address) error { return nil }

func (x *fakeBackend) Listen(int) error { return nil }

func (x *fakeBackend) Accept(h Host) (Backend, error) {
	b := &fakeBackend{f: x.f, h: h}
	x.accepted = append(x.accepted, b)
	return b, nil
}

func (x *fakeBackend) Connect(Address) error {
	if x.f.asyncConnect {
		return ErrInProgress
	}
	return nil
}

func (x *fakeBackend) Disconnect() error {
	x.disconnected++
	return nil
}

func (x *fakeBackend) Send(payload []byte) error {
	if x.sendErr != nil {
		return x.sendErr
	}
	x.sent = append(x.sent, fakeSend{payload: append([]byte(nil), payload...)})
	return nil
}

func (x *fakeBackend) SendTo(payload []byte, addr Address) error {
	x.sent = append(x.sent, fakeSend{payload: append([]byte(nil), payload...), to: addr.Text})
	return nil
}

func (x *fakeBackend) Close() { x.closed++ }

const (
	streamCaps = CapConnectionOriented | CapListen
	dgramCaps  = CapConnectionless | CapPreservesBoundaries
)

func newTestLoop(t *testing.T) *mainloop.Loop {
	t.Helper()
	return looptest.New(t)
}

func newTestRegistry(t *testing.T, types map[string]Caps) (*Registry, map[string]*fakeFactory) {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	factories := make(map[string]*fakeFactory)
	for name, caps := range types {
		f := &fakeFactory{prefix: name}
		require.NoError(t, r.Register(name, f, caps))
		factories[name] = f
	}
	return r, factories
}
