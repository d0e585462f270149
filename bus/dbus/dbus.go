// Package dbus implements bus.Client over D-Bus, using godbus.
//
// Transport messages travel as signals directed at the receiving
// connection, on interface Interface with member Member and a body of the
// sender's reply path and the payload. Name tracking uses the bus daemon's
// NameOwnerChanged signal.
package dbus

import (
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
	"github.com/joeycumines/go-mainloop/bus"
	"github.com/joeycumines/go-mainloop/mainloop"
)

const (
	Interface = "io.github.joeycumines.mainloop.Transport"
	Member    = "Message"
)

const (
	daemonName      = "org.freedesktop.DBus"
	daemonPath      = godbus.ObjectPath("/org/freedesktop/DBus")
	nameOwnerMember = "NameOwnerChanged"
	errNoOwnerName  = "org.freedesktop.DBus.Error.NameHasNoOwner"
	signalBuffer    = 64
)

// Dial connects to the "session" or "system" bus, or any other value taken
// as a D-Bus address.
func Dial(name string) (*Client, error) {
	var (
		conn *godbus.Conn
		err  error
	)
	switch name {
	case "session", "":
		conn, err = godbus.ConnectSessionBus()
	case "system":
		conn, err = godbus.ConnectSystemBus()
	default:
		conn, err = godbus.Connect(name)
	}
	if err != nil {
		return nil, fmt.Errorf("dbus: connect %q: %w", name, err)
	}
	c, err := New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Dialer returns Dial as a bus.Dialer.
func Dialer() bus.Dialer {
	return func(name string) (bus.Client, error) {
		return Dial(name)
	}
}

// Client is a bus.Client over an established D-Bus connection, which it
// owns.
type Client struct {
	conn    *godbus.Conn
	inbox   *bus.Inbox
	signals chan *godbus.Signal
	stop    chan struct{}
	done    chan struct{}

	// loop goroutine state
	handlers  map[string]bus.Handler
	followers map[string]bus.OwnerFunc
	closed    bool
}

var _ bus.Client = (*Client)(nil)

// New wraps an authenticated connection, which the Client closes.
func New(conn *godbus.Conn) (*Client, error) {
	inbox, err := bus.NewInbox()
	if err != nil {
		return nil, fmt.Errorf("dbus: %w", err)
	}
	c := &Client{
		conn:      conn,
		inbox:     inbox,
		signals:   make(chan *godbus.Signal, signalBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		handlers:  make(map[string]bus.Handler),
		followers: make(map[string]bus.OwnerFunc),
	}
	conn.Signal(c.signals)
	go c.receive()
	return c, nil
}

// receive forwards signals from godbus's goroutine to the inbox.
func (c *Client) receive() {
	defer close(c.done)
	for {
		var sig *godbus.Signal
		select {
		case <-c.stop:
			return
		case s, ok := <-c.signals:
			if !ok {
				return
			}
			sig = s
		}
		switch sig.Name {
		case Interface + "." + Member:
			m, ok := toMessage(sig)
			if !ok {
				continue
			}
			_ = c.inbox.Post(func() { c.deliver(m) })
		case daemonName + "." + nameOwnerMember:
			if sig.Path != daemonPath || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			owner, _ := sig.Body[2].(string)
			_ = c.inbox.Post(func() { c.ownerChanged(name, owner, nil) })
		}
	}
}

func toMessage(sig *godbus.Signal) (bus.Message, bool) {
	if len(sig.Body) != 2 {
		return bus.Message{}, false
	}
	senderPath, ok := sig.Body[0].(string)
	if !ok {
		return bus.Message{}, false
	}
	payload, ok := sig.Body[1].([]byte)
	if !ok {
		return bus.Message{}, false
	}
	return bus.Message{
		Sender:     sig.Sender,
		SenderPath: senderPath,
		Path:       string(sig.Path),
		Payload:    payload,
	}, true
}

func (c *Client) deliver(m bus.Message) {
	if c.closed {
		return
	}
	if h := c.handlers[m.Path]; h != nil {
		h(m)
	}
}

func (c *Client) ownerChanged(name, owner string, err error) {
	if c.closed {
		return
	}
	if cb := c.followers[name]; cb != nil {
		cb(name, owner, err)
	}
}

func (c *Client) UniqueName() string {
	if names := c.conn.Names(); len(names) != 0 {
		return names[0]
	}
	return ""
}

func (c *Client) SubloopOps() mainloop.SubloopOps { return c.inbox }

func (c *Client) AcquireName(name string) error {
	if c.closed {
		return bus.ErrClosed
	}
	reply, err := c.conn.RequestName(name, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("dbus: request name %q: %w", name, err)
	}
	switch reply {
	case godbus.RequestNameReplyPrimaryOwner, godbus.RequestNameReplyAlreadyOwner:
		return nil
	}
	return fmt.Errorf("%w: %q", bus.ErrNameTaken, name)
}

func (c *Client) ReleaseName(name string) error {
	if c.closed {
		return bus.ErrClosed
	}
	reply, err := c.conn.ReleaseName(name)
	if err != nil {
		return fmt.Errorf("dbus: release name %q: %w", name, err)
	}
	if reply != godbus.ReleaseNameReplyReleased {
		return fmt.Errorf("%w: %q", bus.ErrNotOwner, name)
	}
	return nil
}

func messageMatch(path string) []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchInterface(Interface),
		godbus.WithMatchMember(Member),
		godbus.WithMatchObjectPath(godbus.ObjectPath(path)),
	}
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
	if err := c.conn.AddMatchSignal(messageMatch(path)...); err != nil {
		return fmt.Errorf("dbus: add match: %w", err)
	}
	c.handlers[path] = h
	return nil
}

func (c *Client) Unsubscribe(path string) error {
	if _, ok := c.handlers[path]; !ok {
		return fmt.Errorf("%w: %q not subscribed", bus.ErrInvalidName, path)
	}
	delete(c.handlers, path)
	if c.closed {
		return nil
	}
	if err := c.conn.RemoveMatchSignal(messageMatch(path)...); err != nil {
		return fmt.Errorf("dbus: remove match: %w", err)
	}
	return nil
}

// Send emits m as a signal directed at m.Dest.
func (c *Client) Send(m bus.Message) error {
	if c.closed {
		return bus.ErrClosed
	}
	if !bus.ValidName(m.Dest) || !bus.ValidPath(m.Path) {
		return fmt.Errorf("%w: %q%s", bus.ErrInvalidName, m.Dest, m.Path)
	}
	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}
	msg := &godbus.Message{
		Type:  godbus.TypeSignal,
		Flags: godbus.FlagNoReplyExpected,
		Headers: map[godbus.HeaderField]godbus.Variant{
			godbus.FieldPath:        godbus.MakeVariant(godbus.ObjectPath(m.Path)),
			godbus.FieldInterface:   godbus.MakeVariant(Interface),
			godbus.FieldMember:      godbus.MakeVariant(Member),
			godbus.FieldDestination: godbus.MakeVariant(m.Dest),
			godbus.FieldSignature:   godbus.MakeVariant(godbus.SignatureOf(m.SenderPath, payload)),
		},
		Body: []any{m.SenderPath, payload},
	}
	call := c.conn.Send(msg, nil)
	if call.Err != nil {
		return fmt.Errorf("dbus: send: %w", call.Err)
	}
	return nil
}

// LookupOwner asks the daemon for the owner of name. The reply is awaited on
// a separate goroutine and reported through the inbox.
func (c *Client) LookupOwner(name string, cb bus.OwnerFunc) error {
	if c.closed {
		return bus.ErrClosed
	}
	if cb == nil {
		return fmt.Errorf("%w: nil callback", bus.ErrInvalidName)
	}
	c.lookup(name, func(owner string, err error) {
		if !c.closed {
			cb(name, owner, err)
		}
	})
	return nil
}

func (c *Client) lookup(name string, report func(owner string, err error)) {
	call := c.conn.BusObject().Go(daemonName+".GetNameOwner", 0, make(chan *godbus.Call, 1), name)
	go func() {
		<-call.Done
		var owner string
		err := call.Store(&owner)
		if isNoOwner(err) {
			err = fmt.Errorf("%w: %q", bus.ErrNoOwner, name)
		}
		_ = c.inbox.Post(func() { report(owner, err) })
	}()
}

func isNoOwner(err error) bool {
	var value godbus.Error
	if errors.As(err, &value) {
		return value.Name == errNoOwnerName
	}
	var ptr *godbus.Error
	return errors.As(err, &ptr) && ptr.Name == errNoOwnerName
}

func ownerMatch(name string) []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchSender(daemonName),
		godbus.WithMatchObjectPath(daemonPath),
		godbus.WithMatchInterface(daemonName),
		godbus.WithMatchMember(nameOwnerMember),
		godbus.WithMatchArg(0, name),
	}
}

func (c *Client) FollowName(name string, cb bus.OwnerFunc) error {
	if c.closed {
		return bus.ErrClosed
	}
	if cb == nil || !bus.ValidName(name) {
		return fmt.Errorf("%w: %q", bus.ErrInvalidName, name)
	}
	if _, ok := c.followers[name]; !ok {
		if err := c.conn.AddMatchSignal(ownerMatch(name)...); err != nil {
			return fmt.Errorf("dbus: add match: %w", err)
		}
	}
	c.followers[name] = cb
	c.lookup(name, func(owner string, err error) {
		if errors.Is(err, bus.ErrNoOwner) {
			err = nil
		}
		c.ownerChanged(name, owner, err)
	})
	return nil
}

func (c *Client) ForgetName(name string) error {
	if _, ok := c.followers[name]; !ok {
		return fmt.Errorf("%w: %q not followed", bus.ErrInvalidName, name)
	}
	delete(c.followers, name)
	if c.closed {
		return nil
	}
	if err := c.conn.RemoveMatchSignal(ownerMatch(name)...); err != nil {
		return fmt.Errorf("dbus: remove match: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the signal goroutine to exit.
func (c *Client) Close() error {
	if c.closed {
		return bus.ErrClosed
	}
	c.closed = true
	c.conn.RemoveSignal(c.signals)
	close(c.stop)
	err := c.conn.Close()
	<-c.done
	clear(c.handlers)
	clear(c.followers)
	if ierr := c.inbox.Close(); err == nil {
		err = ierr
	}
	return err
}
