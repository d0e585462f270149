// Package membus is an in-process message bus. Clients connected to the same
// Network exchange messages and track name ownership as they would over
// D-Bus, which makes it the bus of choice for tests and single-process
// deployments.
package membus

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/mainloop"
)

// Network is a bus. Its clients may be driven by different loops.
type Network struct {
	mu      sync.Mutex
	clients map[string]*Client
	owners  map[string]*Client
	nextID  uint64
}

// NewNetwork returns an empty bus.
func NewNetwork() *Network {
	return &Network{
		clients: make(map[string]*Client),
		owners:  make(map[string]*Client),
	}
}

// Dialer returns a bus.Dialer connecting to x, whatever bus name is asked.
func (x *Network) Dialer() bus.Dialer {
	return func(string) (bus.Client, error) {
		return x.Connect()
	}
}

// Connect returns a new client with a fresh unique name.
func (x *Network) Connect() (*Client, error) {
	inbox, err := bus.NewInbox()
	if err != nil {
		return nil, fmt.Errorf("membus: %w", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	c := &Client{
		net:       x,
		inbox:     inbox,
		unique:    fmt.Sprintf(":1.%d", x.nextID),
		handlers:  make(map[string]bus.Handler),
		followers: make(map[string]bus.OwnerFunc),
		names:     make(map[string]struct{}),
	}
	x.clients[c.unique] = c
	return c, nil
}

// ownerLocked returns the connection owning name, a unique or well-known
// name.
func (x *Network) ownerLocked(name string) *Client {
	if c := x.clients[name]; c != nil {
		return c
	}
	return x.owners[name]
}

// changedLocked tells every follower of name about its new owner.
func (x *Network) changedLocked(name, owner string) {
	for _, c := range x.clients {
		if _, ok := c.following[name]; ok {
			c.notifyOwner(name, owner)
		}
	}
}

// Client is a connection to a Network.
type Client struct {
	net   *Network
	inbox *bus.Inbox
	// following is guarded by net.mu, the set of names followed
	following map[string]struct{}
	unique    string

	// loop goroutine state
	handlers  map[string]bus.Handler
	followers map[string]bus.OwnerFunc
	names     map[string]struct{}
	closed    bool
}

var _ bus.Client = (*Client)(nil)

func (c *Client) UniqueName() string { return c.unique }

func (c *Client) SubloopOps() mainloop.SubloopOps { return c.inbox }

func (c *Client) AcquireName(name string) error {
	if c.closed {
		return bus.ErrClosed
	}
	if !bus.ValidName(name) || name[0] == ':' {
		return fmt.Errorf("%w: %q", bus.ErrInvalidName, name)
	}
	x := c.net
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.owners[name] {
	case c:
		return nil
	case nil:
	default:
		return fmt.Errorf("%w: %q", bus.ErrNameTaken, name)
	}
	x.owners[name] = c
	c.names[name] = struct{}{}
	x.changedLocked(name, c.unique)
	return nil
}

func (c *Client) ReleaseName(name string) error {
	if c.closed {
		return bus.ErrClosed
	}
	x := c.net
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.owners[name] != c {
		return fmt.Errorf("%w: %q", bus.ErrNotOwner, name)
	}
	c.releaseLocked(name)
	return nil
}

func (c *Client) releaseLocked(name string) {
	delete(c.net.owners, name)
	delete(c.names, name)
	c.net.changedLocked(name, "")
}

func (c *Client) Subscribe(path string, h bus.Handler) error {
	if c.closed {
		return bus.ErrClosed
	}
	if !bus.ValidPath(path) || h == nil {
		return fmt.Errorf("%w: path %q", bus.ErrInvalidName, path)
	}
	if _, ok := c.handlers[path]; ok {
		return fmt.Errorf("%w: %q", bus.ErrSubscribed, path)
	}
	c.handlers[path] = h
	return nil
}

func (c *Client) Unsubscribe(path string) error {
	if _, ok := c.handlers[path]; !ok {
		return fmt.Errorf("%w: %q not subscribed", bus.ErrInvalidName, path)
	}
	delete(c.handlers, path)
	return nil
}

func (c *Client) Send(m bus.Message) error {
	if c.closed {
		return bus.ErrClosed
	}
	if !bus.ValidName(m.Dest) || !bus.ValidPath(m.Path) {
		return fmt.Errorf("%w: %q%s", bus.ErrInvalidName, m.Dest, m.Path)
	}
	m.Sender = c.unique
	m.Payload = append([]byte(nil), m.Payload...)

	x := c.net
	x.mu.Lock()
	dest := x.ownerLocked(m.Dest)
	x.mu.Unlock()
	if dest == nil {
		return nil
	}
	// a receiver closing concurrently drops the message, as the bus would
	_ = dest.inbox.Post(func() { dest.deliver(m) })
	return nil
}

func (c *Client) deliver(m bus.Message) {
	if c.closed {
		return
	}
	if h := c.handlers[m.Path]; h != nil {
		h(m)
	}
}

func (c *Client) LookupOwner(name string, cb bus.OwnerFunc) error {
	if c.closed {
		return bus.ErrClosed
	}
	if cb == nil {
		return fmt.Errorf("%w: nil callback", bus.ErrInvalidName)
	}
	x := c.net
	x.mu.Lock()
	var owner string
	if o := x.ownerLocked(name); o != nil {
		owner = o.unique
	}
	x.mu.Unlock()
	var err error
	if owner == "" {
		err = fmt.Errorf("%w: %q", bus.ErrNoOwner, name)
	}
	return c.inbox.Post(func() {
		if !c.closed {
			cb(name, owner, err)
		}
	})
}

func (c *Client) FollowName(name string, cb bus.OwnerFunc) error {
	if c.closed {
		return bus.ErrClosed
	}
	if cb == nil || !bus.ValidName(name) {
		return fmt.Errorf("%w: %q", bus.ErrInvalidName, name)
	}
	c.followers[name] = cb
	x := c.net
	x.mu.Lock()
	defer x.mu.Unlock()
	if c.following == nil {
		c.following = make(map[string]struct{})
	}
	c.following[name] = struct{}{}
	var owner string
	if o := x.ownerLocked(name); o != nil {
		owner = o.unique
	}
	c.notifyOwner(name, owner)
	return nil
}

func (c *Client) ForgetName(name string) error {
	if _, ok := c.followers[name]; !ok {
		return fmt.Errorf("%w: %q not followed", bus.ErrInvalidName, name)
	}
	delete(c.followers, name)
	c.net.mu.Lock()
	delete(c.following, name)
	c.net.mu.Unlock()
	return nil
}

// notifyOwner queues an owner report for the follower of name. The follower
// is looked up when the report runs, so ForgetName suppresses it.
func (c *Client) notifyOwner(name, owner string) {
	_ = c.inbox.Post(func() {
		if c.closed {
			return
		}
		if cb := c.followers[name]; cb != nil {
			cb(name, owner, nil)
		}
	})
}

// Close disconnects the client, releasing its names. Followers of the
// client's names, its unique name included, see them lose their owner.
func (c *Client) Close() error {
	if c.closed {
		return bus.ErrClosed
	}
	c.closed = true
	x := c.net
	x.mu.Lock()
	for name := range c.names {
		c.releaseLocked(name)
	}
	delete(x.clients, c.unique)
	c.following = nil
	x.changedLocked(c.unique, "")
	x.mu.Unlock()
	clear(c.handlers)
	clear(c.followers)
	return c.inbox.Close()
}
