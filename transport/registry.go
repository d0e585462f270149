package transport

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/logiface"
)

// Registry maps type names to backend factories. Like the loop it serves, a
// Registry is not safe for concurrent use.
type Registry struct {
	logger *logiface.Logger[logiface.Event]
	types  map[string]*typeEntry
}

type typeEntry struct {
	name    string
	factory Factory
	caps    Caps
	live    int
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{types: make(map[string]*typeEntry)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRegistryOption(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a backend type. A duplicate name fails with ErrDuplicateType
// and leaves the existing registration untouched.
func (r *Registry) Register(name string, factory Factory, caps Caps) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: empty type name or nil factory", ErrInvalidArgument)
	}
	if err := caps.validate(); err != nil {
		return err
	}
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, name)
	}
	r.types[name] = &typeEntry{name: name, factory: factory, caps: caps}
	r.logger.Debug().Str(`type`, name).Str(`caps`, caps.String()).Log(`registered transport type`)
	return nil
}

// Unregister removes a type. It fails with ErrInUse while transports of the
// type are alive, destroyed transports with pending requests included.
func (r *Registry) Unregister(name string) error {
	e, ok := r.types[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	if e.live > 0 {
		return fmt.Errorf("%w: %q has %d live transports", ErrInUse, name, e.live)
	}
	delete(r.types, name)
	return nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.types))
}

// Caps returns the capabilities name was registered with.
func (r *Registry) Caps(name string) (Caps, error) {
	e, ok := r.types[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return e.caps, nil
}

// Live returns the number of live transports of a type.
func (r *Registry) Live(name string) int {
	if e, ok := r.types[name]; ok {
		return e.live
	}
	return 0
}

// Resolve finds the type whose factory accepts address, trying types in
// name order.
func (r *Registry) Resolve(address string) (string, Address, error) {
	for _, name := range r.Types() {
		a, err := r.types[name].factory.Parse(address)
		if err == nil {
			return name, a, nil
		}
		if !errors.Is(err, ErrMalformedAddress) {
			return "", Address{}, err
		}
	}
	return "", Address{}, fmt.Errorf("%w: no type accepts %q", ErrMalformedAddress, address)
}

// Create returns a new Idle transport of the named type.
func (r *Registry) Create(name string, loop *mainloop.Loop, cbs Callbacks, opts ...Option) (*Transport, error) {
	t, err := r.newTransport(name, loop, cbs, opts)
	if err != nil {
		return nil, err
	}
	b, err := t.entry.factory.New(t.host)
	if err != nil {
		return nil, err
	}
	t.backend = b
	t.entry.live++
	return t, nil
}

// CreateFrom wraps an already-open handle, such as a connected socket, as a
// Connected transport without resolving or binding.
func (r *Registry) CreateFrom(name string, handle any, loop *mainloop.Loop, cbs Callbacks, opts ...Option) (*Transport, error) {
	t, err := r.newTransport(name, loop, cbs, opts)
	if err != nil {
		return nil, err
	}
	b, err := t.entry.factory.Wrap(t.host, handle)
	if err != nil {
		return nil, err
	}
	t.backend = b
	t.learnAddresses()
	t.state = StateConnected
	t.entry.live++
	return t, nil
}

func (r *Registry) newTransport(name string, loop *mainloop.Loop, cbs Callbacks, opts []Option) (*Transport, error) {
	e, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	if loop == nil {
		return nil, fmt.Errorf("%w: nil loop", ErrInvalidArgument)
	}
	cfg, err := resolveOptions(defaultOptions(r.logger), opts)
	if err != nil {
		return nil, err
	}
	return newTransport(r, e, loop, cbs, cfg)
}

func (r *Registry) release(e *typeEntry) {
	e.live--
	if e.live < 0 {
		invariant("negative live count for type %q", e.name)
	}
}
