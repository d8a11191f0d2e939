// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// grblhostd is the daemon entry point: it loads configuration, builds a
// Host, optionally connects up front, watches the
// config file for live reload, and serves the HTTP API until killed.
//
// Structured as spf13/cobra subcommands (serve, connect, jog), with
// configuration loaded from a file via spf13/viper rather than flags.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"grblhost/internal/config"
	"grblhost/internal/host"
	"grblhost/internal/httpapi"
	"grblhost/internal/protocol"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "grblhostd",
		Short: "GRBL CNC controller core daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "grblhost.yaml", "configuration file path")

	root.AddCommand(serveCmd(), connectCmd(), jogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigOrDefaults loads configPath, falling back to built-in
// defaults for one-shot subcommands where a missing/unwritable config
// file shouldn't block a quick manual command.
func loadConfigOrDefaults() *config.Config {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		slog.Warn("using built-in defaults, config load failed", "path", configPath, "error", err)
		return config.Defaults()
	}
	return cfg
}

// serveCmd is the daemon's main mode: connect (if an endpoint is
// configured or given), watch the config file for live reload, and
// serve the HTTP API until interrupted.
func serveCmd() *cobra.Command {
	var endpoint string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			cfg, v, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			h := host.New(cfg)
			defer h.Close()

			watcher, err := config.Watch(v, configPath, func(next *config.Config, err error) {
				if err != nil {
					slog.Warn("config reload failed, keeping previous configuration", "error", err)
					return
				}
				slog.Info("configuration reloaded")
				h.ApplyConfig(next)
			})
			if err != nil {
				slog.Warn("config hot-reload disabled", "error", err)
			} else {
				defer watcher.Close()
			}

			target := endpoint
			if target == "" {
				target = cfg.Connection.Endpoint
			}
			if target != "" {
				if err := h.Connect(target); err != nil {
					slog.Error("initial connect failed, serving disconnected", "endpoint", target, "error", err)
				} else {
					slog.Info("connected", "endpoint", target)
				}
			}

			srv := httpapi.New(h)
			return srv.ListenAndServe(cfg.HTTP.Addr)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "override the configured connection endpoint")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

// connectCmd is a one-shot smoke-test: connect, print the first status
// report, disconnect.
func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <endpoint>",
		Short: "Connect to a device, print its first status report, then disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			h := host.New(cfg)
			defer h.Close()

			if err := h.Connect(args[0]); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer h.Disconnect()

			statusCh := h.SubscribeStatus()
			defer h.UnsubscribeStatus(statusCh)

			if err := h.SendRealtime(protocol.RTStatusQuery); err != nil {
				return fmt.Errorf("send status query: %w", err)
			}
			fmt.Printf("%+v\n", <-statusCh)
			return nil
		},
	}
}

// jogCmd sends a single jog move to a connected device. Intended for
// manual testing from a terminal, not scripted use.
func jogCmd() *cobra.Command {
	var endpoint string
	var axis string
	var distance float64
	var feed float64

	cmd := &cobra.Command{
		Use:   "jog",
		Short: "Send one jog move and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint == "" {
				return fmt.Errorf("--endpoint is required")
			}
			if len(axis) != 1 {
				return fmt.Errorf("--axis must be a single letter")
			}

			h := host.New(loadConfigOrDefaults())
			defer h.Close()

			if err := h.Connect(endpoint); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer h.Disconnect()

			_, err := h.Jog(map[byte]float64{axis[0]: distance}, feed, true)
			return err
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "device endpoint, e.g. /dev/ttyUSB0 or COM3")
	cmd.Flags().StringVar(&axis, "axis", "X", "axis letter to jog")
	cmd.Flags().Float64Var(&distance, "distance", 1, "relative jog distance")
	cmd.Flags().Float64Var(&feed, "feed", 500, "jog feed rate")
	return cmd
}
