// Package config loads the TOML configuration of mainloopctl.
//
//	log_level = "info"
//
//	[transport]
//	address = "tcp4:127.0.0.1:7000"
//	mode = "msg"
//	max_frame_size = 1048576
//	high_water_mark = 262144
//	backlog = 128
//	reuse_addr = true
//
//	[bus]
//	kind = "dbus"
//
//	[send]
//	timeout = "5s"
//
// Unset keys keep the values of Default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-mainloop/transport"
	"github.com/joeycumines/logiface"
)

// Bus kinds.
const (
	BusDBus   = "dbus"
	BusMemory = "mem"
)

// Config is the mainloopctl configuration file.
type Config struct {
	LogLevel  string    `toml:"log_level"`
	Transport Transport `toml:"transport"`
	Bus       Bus       `toml:"bus"`
	Send      Send      `toml:"send"`
}

type Transport struct {
	Address       string `toml:"address"`
	Mode          string `toml:"mode"`
	MaxFrameSize  int    `toml:"max_frame_size"`
	HighWaterMark int    `toml:"high_water_mark"`
	Backlog       int    `toml:"backlog"`
	ReuseAddr     bool   `toml:"reuse_addr"`
}

type Bus struct {
	// Kind selects the bus client for dbus: addresses, BusDBus or BusMemory.
	Kind string `toml:"kind"`
}

type Send struct {
	// Timeout bounds the wait for an echo, as a time.ParseDuration string.
	Timeout string `toml:"timeout"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		LogLevel: "info",
		Transport: Transport{
			Address:       "tcp4:127.0.0.1:7000",
			Mode:          "msg",
			MaxFrameSize:  1 << 20,
			HighWaterMark: 256 << 10,
			Backlog:       128,
			ReuseAddr:     true,
		},
		Bus:  Bus{Kind: BusDBus},
		Send: Send{Timeout: "5s"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config has unknown keys: %s", strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Transport.Address = strings.TrimSpace(c.Transport.Address)
	c.Transport.Mode = strings.ToLower(strings.TrimSpace(c.Transport.Mode))
	c.Bus.Kind = strings.ToLower(strings.TrimSpace(c.Bus.Kind))
	c.Send.Timeout = strings.TrimSpace(c.Send.Timeout)
}

// Validate checks a normalized configuration.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Transport.Address == "" {
		return fmt.Errorf("transport config missing address")
	}
	if _, err := transport.ParseMode(c.Transport.Mode); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if c.Transport.MaxFrameSize <= 0 {
		return fmt.Errorf("transport config max_frame_size must be positive, got %d", c.Transport.MaxFrameSize)
	}
	if c.Transport.HighWaterMark <= 0 {
		return fmt.Errorf("transport config high_water_mark must be positive, got %d", c.Transport.HighWaterMark)
	}
	if c.Transport.Backlog <= 0 {
		return fmt.Errorf("transport config backlog must be positive, got %d", c.Transport.Backlog)
	}
	switch c.Bus.Kind {
	case BusDBus, BusMemory:
	default:
		return fmt.Errorf("bus config kind must be %q or %q, got %q", BusDBus, BusMemory, c.Bus.Kind)
	}
	if d, err := time.ParseDuration(c.Send.Timeout); err != nil {
		return fmt.Errorf("parse send timeout: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("send config timeout must be positive, got %s", d)
	}
	return nil
}

// Level is the parsed log_level.
func (c Config) Level() logiface.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// SendTimeout is the parsed send timeout.
func (c Config) SendTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Send.Timeout)
	return d
}

// TransportOptions returns the transport options the configuration selects.
func (c Config) TransportOptions() []transport.Option {
	mode, _ := transport.ParseMode(c.Transport.Mode)
	return []transport.Option{
		transport.WithMode(mode),
		transport.WithMaxFrameSize(c.Transport.MaxFrameSize),
		transport.WithHighWaterMark(c.Transport.HighWaterMark),
		transport.WithBacklog(c.Transport.Backlog),
		transport.WithReuseAddr(c.Transport.ReuseAddr),
	}
}

var levels = map[string]logiface.Level{
	"disabled": logiface.LevelDisabled,
	"emerg":    logiface.LevelEmergency,
	"alert":    logiface.LevelAlert,
	"crit":     logiface.LevelCritical,
	"err":      logiface.LevelError,
	"error":    logiface.LevelError,
	"warning":  logiface.LevelWarning,
	"warn":     logiface.LevelWarning,
	"notice":   logiface.LevelNotice,
	"info":     logiface.LevelInformational,
	"debug":    logiface.LevelDebug,
	"trace":    logiface.LevelTrace,
}

// ParseLevel accepts the syslog keywords logiface.Level prints, and the
// common aliases "error" and "warn".
func ParseLevel(s string) (logiface.Level, error) {
	if level, ok := levels[strings.ToLower(s)]; ok {
		return level, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}
