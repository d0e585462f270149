// Package cmd implements the mainloopctl CLI commands.
package cmd

import (
	"github.com/joeycumines/go-mainloop/config"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

// flags are the persistent flags, overriding the config file.
type flags struct {
	configPath string
	logLevel   string
	address    string
	mode       string
	bus        string
}

// NewRootCommand returns the mainloopctl command tree.
func NewRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "mainloopctl",
		Short: "Echo server and client for mainloop transports",
		Long: `mainloopctl drives the mainloop transports from the command line.

"serve" runs an echo server on the configured address, and "send" sends a
message to one and prints the reply. Addresses select the transport:

  tcp4:127.0.0.1:7000    unxs:/run/echo.sock     (stream)
  udp4:127.0.0.1:7000    unxd:@echo               (datagram)
  dbus:session@org.example.Echo/echo               (bus)`,
		Version:      Version,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "TOML config file")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level, such as info or debug")
	pf.StringVarP(&f.address, "address", "a", "", "Transport address")
	pf.StringVar(&f.mode, "mode", "", "Data mode: raw, msg or data")
	pf.StringVar(&f.bus, "bus", "", "Bus client for dbus: addresses: dbus or mem")
	root.AddCommand(newServeCommand(f), newSendCommand(f))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// load returns the config file (or the defaults) with the flags applied.
func (f *flags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.address != "" {
		cfg.Transport.Address = f.address
	}
	if f.mode != "" {
		cfg.Transport.Mode = f.mode
	}
	if f.bus != "" {
		cfg.Bus.Kind = f.bus
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
