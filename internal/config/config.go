// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config is the viper-backed configuration record: connection,
// streaming discipline, units, arc flattening and discovery options,
// plus the ambient logging/HTTP/startup-macro settings needed to run
// the daemon unattended.
//
// It loads from and saves back to a single file, round-tripping every
// field losslessly, and supports hot reload via Watch. The decode-hook
// pattern for Streaming.Mode follows nabbar-golib's
// file/perm.ViperDecoderHook: a mapstructure hook that turns a plain
// config string into a typed value instead of unmarshaling into a bare
// string and converting by hand at every call site.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"grblhost/internal/hosterr"
	"grblhost/internal/queue"
)

// Connection holds the endpoint and timing parameters used by connect().
type Connection struct {
	TransportKind         string `mapstructure:"transport_kind"`
	Endpoint              string `mapstructure:"endpoint"`
	BaudRate              int    `mapstructure:"baud_rate"`
	ConnectTimeoutMS      int    `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS         int    `mapstructure:"read_timeout_ms"`
	StatusQueryIntervalMS int    `mapstructure:"status_query_interval_ms"`
	AutoStatusQuery       bool   `mapstructure:"auto_status_query"`
}

// Streaming selects the command queue's flow-control discipline.
type Streaming struct {
	Mode                   queue.Mode `mapstructure:"mode"`
	BufferedHighWaterBytes int        `mapstructure:"buffered_high_water_bytes"`
}

// Units is the default unit system assumed when a program omits G20/G21.
type Units struct {
	Default string `mapstructure:"default"` // "mm" or "inch"
}

// ArcFlattening controls the preprocessor's arc-to-chord resolution.
type ArcFlattening struct {
	AngularStepDegrees float64 `mapstructure:"angular_step_degrees"`
}

// Discovery controls serial port enumeration filtering.
type Discovery struct {
	UnixUSBFilter bool `mapstructure:"unix_usb_filter"`
}

// Startup lists G-code/$-lines sent automatically after a successful
// connect.
type Startup struct {
	MacroLines []string `mapstructure:"macro_lines"`
}

// Logging controls the ambient slog level and wire-traffic session log directory.
type Logging struct {
	Dir     string `mapstructure:"dir"`
	Verbose bool   `mapstructure:"verbose"`
}

// HTTP controls the net/http JSON surface's listen address.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

// Config is the full, round-trippable configuration record.
type Config struct {
	Connection    Connection    `mapstructure:"connection"`
	Streaming     Streaming     `mapstructure:"streaming"`
	Units         Units         `mapstructure:"units"`
	ArcFlattening ArcFlattening `mapstructure:"arc_flattening"`
	Discovery     Discovery     `mapstructure:"discovery"`
	Startup       Startup       `mapstructure:"startup"`
	Logging       Logging       `mapstructure:"logging"`
	HTTP          HTTP          `mapstructure:"http"`
}

// Defaults returns a ready-to-run configuration: serial port "COM3" at
// 115200 baud, HTTP listening on ":9000", logs under "logs", a 112-byte
// buffered high-water mark, a 1.0 degree arc flattening step, and Unix
// USB port filtering on.
func Defaults() *Config {
	return &Config{
		Connection: Connection{
			TransportKind:         "serial",
			Endpoint:              "COM3",
			BaudRate:              115200,
			ConnectTimeoutMS:      5000,
			ReadTimeoutMS:         2000,
			StatusQueryIntervalMS: 200,
			AutoStatusQuery:       true,
		},
		Streaming: Streaming{
			Mode:                   queue.ModeBuffered,
			BufferedHighWaterBytes: queue.DefaultHighWater,
		},
		Units: Units{Default: "mm"},
		ArcFlattening: ArcFlattening{
			AngularStepDegrees: 1.0,
		},
		Discovery: Discovery{UnixUSBFilter: true},
		Logging:   Logging{Dir: "logs", Verbose: false},
		HTTP:      HTTP{Addr: ":9000"},
	}
}

// modeDecodeHook lets viper/mapstructure unmarshal a plain "simple" or
// "buffered" config string directly into a queue.Mode, the way
// nabbar-golib's perm.ViperDecoderHook turns a string into a Perm.
func modeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(queue.Mode("")) {
			return data, nil
		}
		s, _ := data.(string)
		switch queue.Mode(s) {
		case queue.ModeSimple, queue.ModeBuffered:
			return queue.Mode(s), nil
		default:
			return nil, fmt.Errorf("config: unrecognized streaming mode %q", s)
		}
	}
}

// Load reads path into a viper instance, creating it from Defaults()
// if it does not yet exist, and unmarshals the result. The returned
// *viper.Viper is kept around so Watch can re-read the same instance
// and Save can write it back losslessly.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaults(path); err != nil {
			return nil, nil, hosterr.Wrap(hosterr.KindConfig, "create default config", err)
		}
	} else if err != nil {
		return nil, nil, hosterr.Wrap(hosterr.KindConfig, "stat config file", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, hosterr.Wrap(hosterr.KindConfig, "read config file", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Defaults()
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		modeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindConfig, "unmarshal config", err)
	}
	return cfg, nil
}

// writeDefaults serializes Defaults() to path, inferring format from
// its extension (viper supports yaml/json/toml); callers that want a
// specific format should pass a path with that extension.
func writeDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	setAll(v, Defaults())
	return v.WriteConfigAs(path)
}

// Save writes cfg back to v's config file, preserving the format viper
// inferred at Load time, round-tripping every scalar field above
// losslessly regardless of which subset was present on disk before.
func Save(v *viper.Viper, cfg *Config) error {
	setAll(v, cfg)
	if err := v.WriteConfig(); err != nil {
		return hosterr.Wrap(hosterr.KindConfig, "write config file", err)
	}
	return nil
}

// setAll pushes every field of cfg into v's key space so WriteConfig
// serializes the full record, not just whatever keys ReadInConfig
// happened to see in the file on disk.
func setAll(v *viper.Viper, cfg *Config) {
	v.Set("connection.transport_kind", cfg.Connection.TransportKind)
	v.Set("connection.endpoint", cfg.Connection.Endpoint)
	v.Set("connection.baud_rate", cfg.Connection.BaudRate)
	v.Set("connection.connect_timeout_ms", cfg.Connection.ConnectTimeoutMS)
	v.Set("connection.read_timeout_ms", cfg.Connection.ReadTimeoutMS)
	v.Set("connection.status_query_interval_ms", cfg.Connection.StatusQueryIntervalMS)
	v.Set("connection.auto_status_query", cfg.Connection.AutoStatusQuery)

	v.Set("streaming.mode", string(cfg.Streaming.Mode))
	v.Set("streaming.buffered_high_water_bytes", cfg.Streaming.BufferedHighWaterBytes)

	v.Set("units.default", cfg.Units.Default)
	v.Set("arc_flattening.angular_step_degrees", cfg.ArcFlattening.AngularStepDegrees)
	v.Set("discovery.unix_usb_filter", cfg.Discovery.UnixUSBFilter)
	v.Set("startup.macro_lines", cfg.Startup.MacroLines)
	v.Set("logging.dir", cfg.Logging.Dir)
	v.Set("logging.verbose", cfg.Logging.Verbose)
	v.Set("http.addr", cfg.HTTP.Addr)
}
