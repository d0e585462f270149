package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/joeycumines/go-mainloop/internal/sockaddr"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/go-mainloop/transport"
	"github.com/spf13/cobra"
)

var errNoReply = errors.New("no reply")

func newSendCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message to an echo server and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			reply, err := a.send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
			return err
		},
	}
}

// exchange is one send, completed by the reply or a failure.
type exchange struct {
	x       *app
	text    string
	reply   strings.Builder
	err     error
	done    bool
	payload any
}

func (e *exchange) finish(err error) {
	if e.done {
		return
	}
	e.done, e.err = true, err
	e.x.loop.Quit(0)
}

func (e *exchange) received(v any) {
	s, err := textOf(v)
	if err != nil {
		e.finish(err)
		return
	}
	e.reply.WriteString(s)
	// raw replies over a stream may arrive in pieces
	if e.reply.Len() >= len(e.text) {
		e.finish(nil)
	}
}

func (e *exchange) sendPayload(t *transport.Transport) {
	if err := send(t, e.payload, nil); err != nil {
		e.finish(fmt.Errorf("send failed: %w", err))
	}
}

func (e *exchange) connect(t *transport.Transport, addr transport.Address) {
	if err := t.Connect(addr); err != nil {
		e.finish(fmt.Errorf("failed to connect to %s: %w", addr, err))
		return
	}
	if t.State() == transport.StateConnected {
		e.sendPayload(t)
	}
}

func (e *exchange) callbacks() transport.Callbacks {
	return transport.Callbacks{
		RecvRaw:      func(_ *transport.Transport, data []byte) { e.received(data) },
		RecvRawFrom:  func(_ *transport.Transport, data []byte, _ transport.Address) { e.received(data) },
		Recv:         func(_ *transport.Transport, m *msg.Msg) { e.received(m) },
		RecvFrom:     func(_ *transport.Transport, m *msg.Msg, _ transport.Address) { e.received(m) },
		RecvData:     func(_ *transport.Transport, v any) { e.received(v) },
		RecvDataFrom: func(_ *transport.Transport, v any, _ transport.Address) { e.received(v) },
		Connected:    e.sendPayload,
		Closed: func(_ *transport.Transport, err error) {
			if err == nil {
				err = errors.New("connection closed")
			}
			e.finish(err)
		},
		Error: func(_ *transport.Transport, err error) { e.finish(err) },
		Resolved: func(t *transport.Transport, addr transport.Address, err error) {
			if err != nil {
				e.finish(err)
				return
			}
			e.connect(t, addr)
		},
	}
}

func (x *app) send(ctx context.Context, text string) (string, error) {
	e := &exchange{x: x, text: text}
	t, addr, err := x.create(e.callbacks())
	if err != nil {
		return "", err
	}
	defer t.Destroy()
	if e.payload, err = newPayload(t.Mode(), text); err != nil {
		return "", err
	}

	if addr.Network == string(sockaddr.UnixDgram) {
		// unix datagram servers can only reply to a bound socket
		self, err := t.Resolve("unxd:@mainloopctl-" + uuid.NewString())
		if err != nil {
			return "", err
		}
		if err := t.Bind(self); err != nil {
			return "", err
		}
	}
	if t.Caps()&transport.CapAsyncResolve != 0 {
		resolved, err := t.Resolve(x.cfg.Transport.Address)
		switch {
		case errors.Is(err, transport.ErrInProgress):
		case err != nil:
			return "", err
		default:
			e.connect(t, resolved)
		}
	} else {
		e.connect(t, addr)
	}

	timeout := x.cfg.SendTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !e.done {
		if err := x.loop.Run(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", fmt.Errorf("%w from %s within %s", errNoReply, addr, timeout)
			}
			return "", err
		}
	}
	if e.err != nil {
		return "", e.err
	}
	return e.reply.String(), nil
}
