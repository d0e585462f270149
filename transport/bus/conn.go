package bus

import (
	"fmt"
	"sync"

	mbus "github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/mainloop"
)

type connKey struct {
	loop *mainloop.Loop
	bus  string
}

// pool shares one bus client between the transports of a loop that use the
// same bus.
type pool struct {
	dial  mbus.Dialer
	mu    sync.Mutex
	conns map[connKey]*conn
}

// conn is a shared client, embedded in its loop as a subloop. Everything
// but refs is touched only from the loop goroutine.
type conn struct {
	pool      *pool
	key       connKey
	client    mbus.Client
	sub       *mainloop.Subloop
	refs      int
	followers map[string]map[*backend]struct{}
}

func (p *pool) acquire(loop *mainloop.Loop, busName string) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := connKey{loop: loop, bus: busName}
	if c := p.conns[key]; c != nil {
		c.refs++
		return c, nil
	}
	client, err := p.dial(busName)
	if err != nil {
		return nil, fmt.Errorf("bus %q: %w", busName, err)
	}
	sub, err := loop.AddSubloop(client.SubloopOps())
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus %q: %w", busName, err)
	}
	c := &conn{
		pool:      p,
		key:       key,
		client:    client,
		sub:       sub,
		refs:      1,
		followers: make(map[string]map[*backend]struct{}),
	}
	p.conns[key] = c
	return c, nil
}

// release drops a reference, closing the client with the last one.
func (c *conn) release() {
	p := c.pool
	p.mu.Lock()
	c.refs--
	last := c.refs == 0
	if last {
		delete(p.conns, c.key)
	}
	p.mu.Unlock()
	if !last {
		return
	}
	// fails only once the loop is destroyed, which took the subloop with it
	_ = c.key.loop.DelSubloop(c.sub)
	_ = c.client.Close()
}

// follow registers b for owner reports on name. Every follower receives
// the current owner again, which the others ignore unless it changed.
func (c *conn) follow(name string, b *backend) error {
	set := c.followers[name]
	if set == nil {
		set = make(map[*backend]struct{})
	}
	if err := c.client.FollowName(name, c.ownerChanged); err != nil {
		return err
	}
	set[b] = struct{}{}
	c.followers[name] = set
	return nil
}

func (c *conn) forget(name string, b *backend) {
	set := c.followers[name]
	delete(set, b)
	if len(set) != 0 {
		return
	}
	delete(c.followers, name)
	_ = c.client.ForgetName(name)
}

func (c *conn) ownerChanged(name, owner string, err error) {
	set := c.followers[name]
	targets := make([]*backend, 0, len(set))
	for b := range set {
		targets = append(targets, b)
	}
	for _, b := range targets {
		// an earlier target may have forgotten the name
		if _, ok := c.followers[name][b]; ok {
			b.ownerChanged(owner, err)
		}
	}
}
