package transport

import (
	"fmt"

	"github.com/joeycumines/go-mainloop/codec"
	"github.com/joeycumines/logiface"
)

// Settings are the backend-facing options of a transport.
type Settings struct {
	ReuseAddr bool
	Backlog   int
	// HighWaterMark bounds the bytes a backend queues for output before sends
	// fail with ErrWouldBlock.
	HighWaterMark int
}

const (
	defaultBacklog       = 64
	defaultHighWaterMark = 4 * 1024 * 1024
)

type transportOptions struct {
	logger       *logiface.Logger[logiface.Event]
	dataCodec    codec.Codec
	mode         Mode
	maxFrameSize int
	settings     Settings
}

// Option configures a Transport.
type Option interface {
	applyOption(*transportOptions) error
}

type optionImpl struct {
	fn func(*transportOptions) error
}

func (x *optionImpl) applyOption(opts *transportOptions) error {
	return x.fn(opts)
}

func resolveOptions(base *transportOptions, opts []Option) (*transportOptions, error) {
	cfg := *base
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.mode == ModeData && cfg.dataCodec == nil {
		return nil, fmt.Errorf("%w: data mode requires a data codec", ErrInvalidArgument)
	}
	return &cfg, nil
}

func defaultOptions(logger *logiface.Logger[logiface.Event]) *transportOptions {
	return &transportOptions{
		logger: logger,
		mode:   ModeRaw,
		settings: Settings{
			Backlog:       defaultBacklog,
			HighWaterMark: defaultHighWaterMark,
		},
	}
}

// WithMode selects the transport's data mode. The default is ModeRaw.
func WithMode(mode Mode) Option {
	return &optionImpl{func(opts *transportOptions) error {
		if mode < ModeRaw || mode > ModeData {
			return fmt.Errorf("%w: unknown mode %v", ErrInvalidArgument, mode)
		}
		opts.mode = mode
		return nil
	}}
}

// WithDataCodec sets the codec used in ModeData, typically a
// *codec.DataCodec.
func WithDataCodec(c codec.Codec) Option {
	return &optionImpl{func(opts *transportOptions) error {
		opts.dataCodec = c
		return nil
	}}
}

// WithMaxFrameSize bounds the payload of one framed message on byte-stream
// backends.
func WithMaxFrameSize(n int) Option {
	return &optionImpl{func(opts *transportOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: max frame size %d", ErrInvalidArgument, n)
		}
		opts.maxFrameSize = n
		return nil
	}}
}

// WithReuseAddr sets SO_REUSEADDR on bound sockets, and replaces stale unix
// socket files.
func WithReuseAddr(enabled bool) Option {
	return &optionImpl{func(opts *transportOptions) error {
		opts.settings.ReuseAddr = enabled
		return nil
	}}
}

// WithBacklog sets the listen backlog.
func WithBacklog(n int) Option {
	return &optionImpl{func(opts *transportOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: backlog %d", ErrInvalidArgument, n)
		}
		opts.settings.Backlog = n
		return nil
	}}
}

// WithHighWaterMark bounds the queued output, in bytes, before sends fail
// with ErrWouldBlock.
func WithHighWaterMark(n int) Option {
	return &optionImpl{func(opts *transportOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: high water mark %d", ErrInvalidArgument, n)
		}
		opts.settings.HighWaterMark = n
		return nil
	}}
}

// WithLogger overrides the registry's logger for one transport.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *transportOptions) error {
		opts.logger = logger
		return nil
	}}
}

// RegistryOption configures a Registry.
type RegistryOption interface {
	applyRegistryOption(*Registry) error
}

type registryOptionImpl struct {
	fn func(*Registry) error
}

func (x *registryOptionImpl) applyRegistryOption(r *Registry) error {
	return x.fn(r)
}

// WithRegistryLogger sets the default logger of the registry's transports.
func WithRegistryLogger(logger *logiface.Logger[logiface.Event]) RegistryOption {
	return &registryOptionImpl{func(r *Registry) error {
		r.logger = logger
		return nil
	}}
}
