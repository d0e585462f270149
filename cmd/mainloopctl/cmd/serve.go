package cmd

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-mainloop/mainloop"
	"github.com/joeycumines/go-mainloop/msg"
	"github.com/joeycumines/go-mainloop/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func newServeCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long: `Run an echo server on the configured address until interrupted.

Every message received is sent back to its sender. The bound address is
printed once the server is ready.`,
		Args: cobra.NoArgs,
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
			return a.serve(cmd)
		},
	}
}

func (x *app) serve(cmd *cobra.Command) error {
	cbs := x.echoCallbacks()
	var closeErr error
	cbs.Closed = func(_ *transport.Transport, err error) {
		closeErr = err
		x.loop.Quit(1)
	}
	server, addr, err := x.create(cbs)
	if err != nil {
		return err
	}
	defer server.Destroy()
	if err := server.Bind(addr); err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	if server.Caps()&transport.CapListen != 0 {
		if err := server.Listen(); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	for _, sig := range []unix.Signal{unix.SIGINT, unix.SIGTERM} {
		h, err := x.loop.AddSigHandler(sig, func(_ *mainloop.SigHandler, sig unix.Signal) {
			x.logger.Notice().Str(`signal`, sig.String()).Log(`shutting down`)
			x.loop.Quit(0)
		})
		if err != nil {
			return err
		}
		defer x.loop.DelSigHandler(h)
	}

	x.logger.Notice().
		Str(`type`, server.Type()).
		Str(`address`, server.LocalAddress().Text).
		Str(`mode`, server.Mode().String()).
		Log(`serving`)
	fmt.Fprintln(cmd.OutOrStdout(), server.LocalAddress().Text)

	err = x.loop.Run(cmd.Context())
	if errors.Is(err, cmd.Context().Err()) {
		err = nil
	}
	if err == nil && x.loop.ExitCode() != 0 {
		err = errors.New("server closed")
		if closeErr != nil {
			err = fmt.Errorf("server closed: %w", closeErr)
		}
	}
	return err
}

// echoCallbacks send every unit back where it came from, and destroy
// transports once closed. Accepted connections get the same callbacks.
func (x *app) echoCallbacks() transport.Callbacks {
	echo := func(t *transport.Transport, v any, from *transport.Address) {
		if err := send(t, v, from); err != nil {
			x.logger.Warning().Str(`type`, t.Type()).Err(err).Log(`echo failed`)
		}
	}
	var cbs transport.Callbacks
	cbs = transport.Callbacks{
		RecvRaw:      func(t *transport.Transport, data []byte) { echo(t, data, nil) },
		RecvRawFrom:  func(t *transport.Transport, data []byte, from transport.Address) { echo(t, data, &from) },
		Recv:         func(t *transport.Transport, m *msg.Msg) { echo(t, m, nil) },
		RecvFrom:     func(t *transport.Transport, m *msg.Msg, from transport.Address) { echo(t, m, &from) },
		RecvData:     func(t *transport.Transport, v any) { echo(t, v, nil) },
		RecvDataFrom: func(t *transport.Transport, v any, from transport.Address) { echo(t, v, &from) },
		Closed: func(t *transport.Transport, err error) {
			x.logger.Info().Str(`peer`, t.PeerAddress().Text).Err(err).Log(`connection closed`)
			_ = t.Destroy()
		},
		Error: func(t *transport.Transport, err error) {
			x.logger.Warning().Str(`peer`, t.PeerAddress().Text).Err(err).Log(`protocol error`)
		},
		Connection: func(t *transport.Transport) {
			child, err := t.Accept(cbs)
			if err != nil {
				if !errors.Is(err, transport.ErrWouldBlock) {
					x.logger.Err().Err(err).Log(`accept failed`)
				}
				return
			}
			x.logger.Info().Str(`peer`, child.PeerAddress().Text).Log(`connection accepted`)
		},
		Resolved: func(*transport.Transport, transport.Address, error) {},
	}
	return cbs
}
