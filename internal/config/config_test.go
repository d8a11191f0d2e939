// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"grblhost/internal/queue"
)

// writeRawMode bypasses the typed Config/Save path to write an
// arbitrary, possibly-invalid streaming.mode value directly into the
// config file, to exercise the decode hook's rejection of unknown modes.
func writeRawMode(path, mode string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.Set("streaming.mode", mode)
	return v.WriteConfig()
}

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblhost.yaml")
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.BaudRate != 115200 {
		t.Fatalf("expected default baud rate 115200, got %d", cfg.Connection.BaudRate)
	}
	if cfg.Streaming.BufferedHighWaterBytes != queue.DefaultHighWater {
		t.Fatalf("expected default high water %d, got %d", queue.DefaultHighWater, cfg.Streaming.BufferedHighWaterBytes)
	}
	if cfg.ArcFlattening.AngularStepDegrees != 1.0 {
		t.Fatalf("expected default angular step 1.0, got %v", cfg.ArcFlattening.AngularStepDegrees)
	}
}

func TestLoadAndSaveRoundTripsLosslessly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblhost.yaml")
	cfg, v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.Connection.Endpoint = "/dev/ttyUSB0"
	cfg.Streaming.Mode = queue.ModeSimple
	cfg.Streaming.BufferedHighWaterBytes = 64
	cfg.Units.Default = "inch"
	cfg.ArcFlattening.AngularStepDegrees = 0.5
	cfg.Discovery.UnixUSBFilter = false
	cfg.Startup.MacroLines = []string{"$X", "G21 G90"}

	if err := Save(v, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Connection.Endpoint != "/dev/ttyUSB0" {
		t.Fatalf("endpoint did not round-trip: %+v", reloaded.Connection)
	}
	if reloaded.Streaming.Mode != queue.ModeSimple {
		t.Fatalf("streaming mode did not round-trip: %v", reloaded.Streaming.Mode)
	}
	if reloaded.Streaming.BufferedHighWaterBytes != 64 {
		t.Fatalf("high water did not round-trip: %d", reloaded.Streaming.BufferedHighWaterBytes)
	}
	if reloaded.Units.Default != "inch" {
		t.Fatalf("units did not round-trip: %v", reloaded.Units)
	}
	if reloaded.ArcFlattening.AngularStepDegrees != 0.5 {
		t.Fatalf("angular step did not round-trip: %v", reloaded.ArcFlattening)
	}
	if reloaded.Discovery.UnixUSBFilter != false {
		t.Fatalf("discovery flag did not round-trip: %v", reloaded.Discovery)
	}
	if len(reloaded.Startup.MacroLines) != 2 || reloaded.Startup.MacroLines[0] != "$X" {
		t.Fatalf("macro lines did not round-trip: %v", reloaded.Startup.MacroLines)
	}
}

func TestRejectsUnrecognizedStreamingMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblhost.yaml")
	if _, _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := writeRawMode(path, "quantum"); err != nil {
		t.Fatalf("writeRawMode: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected an error decoding an unrecognized streaming mode")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblhost.yaml")
	_, v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	changes := make(chan *Config, 4)
	w, err := Watch(v, path, func(cfg *Config, err error) {
		if err == nil {
			changes <- cfg
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	updated := Defaults()
	updated.Connection.BaudRate = 9600
	if err := Save(v, updated); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case cfg := <-changes:
		if cfg.Connection.BaudRate != 9600 {
			t.Fatalf("expected reloaded baud rate 9600, got %d", cfg.Connection.BaudRate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload notification")
	}
}
