package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbarni2020/deskextend/capture"
	"github.com/bbarni2020/deskextend/transport"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskextend.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
mode: hybrid
usb:
  device: /dev/ttyACM0
network:
  host: 192.168.1.20
  protocol: srt
display:
  index: 1
  width: 2560
  height: 1440
  fps: 30
  bitrate: 12000000
stats_interval_ms: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	req, err := cfg.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Mode.Kind != transport.KindHybrid {
		t.Errorf("kind = %v, want hybrid", req.Mode.Kind)
	}
	if req.Mode.DevicePath != "/dev/ttyACM0" || req.Mode.Host != "192.168.1.20" {
		t.Errorf("mode = %+v", req.Mode)
	}
	if req.Mode.Port != transport.DefaultPort {
		t.Errorf("port = %d, want default %d", req.Mode.Port, transport.DefaultPort)
	}
	if req.Mode.Protocol != transport.ProtocolSRT {
		t.Errorf("protocol = %q, want srt", req.Mode.Protocol)
	}
	if req.Display != 1 {
		t.Errorf("display = %d, want 1", req.Display)
	}
	if got := req.Config.Resolution(); got != "2560x1440" {
		t.Errorf("resolution = %q, want 2560x1440", got)
	}
	if req.Config.FPS != 30 || req.Config.BitrateBps != 12_000_000 {
		t.Errorf("config = %+v", req.Config)
	}
	if got := cfg.StatsInterval(); got != 500*time.Millisecond {
		t.Errorf("stats interval = %v, want 500ms", got)
	}
	if got := cfg.TransportOptions().ReconnectDelay; got != transport.DefaultReconnectDelay {
		t.Errorf("reconnect delay = %v, want default", got)
	}
}

func TestDefaultsNeedHost(t *testing.T) {
	t.Parallel()
	err := Default().Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if !errors.Is(err, transport.ErrInvalidMode) {
		t.Errorf("err = %v, want it to wrap ErrInvalidMode", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"DESKEXTEND_MODE":    "usb",
		"DESKEXTEND_DEVICE":  "/dev/cu.usbmodem1",
		"DESKEXTEND_FPS":     "30",
		"DESKEXTEND_DISPLAY": "2",
		"DESKEXTEND_SOURCE":  "pattern",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m, err := cfg.TransportMode()
	if err != nil {
		t.Fatalf("TransportMode: %v", err)
	}
	if m.Kind != transport.KindUSB || m.DevicePath != "/dev/cu.usbmodem1" {
		t.Errorf("mode = %+v", m)
	}
	if cfg.Display.FPS != 30 || cfg.Display.Index != 2 {
		t.Errorf("display = %+v", cfg.Display)
	}
	if cfg.Source != capture.SourcePattern {
		t.Errorf("source = %q, want pattern", cfg.Source)
	}
	if cfg.Display.Width != 1920 {
		t.Errorf("width = %d, want untouched 1920", cfg.Display.Width)
	}
}

func TestEnvBadInteger(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{"DESKEXTEND_PORT": "fifty"}))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		c := Default()
		c.Network.Host = "10.0.0.2"
		return c
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "bluetooth" }},
		{"usb without device", func(c *Config) { c.Mode = "usb" }},
		{"bad protocol", func(c *Config) { c.Network.Protocol = "udp" }},
		{"bad port", func(c *Config) { c.Network.Port = 70000 }},
		{"zero fps", func(c *Config) { c.Display.FPS = 0 }},
		{"zero width", func(c *Config) { c.Display.Width = 0 }},
		{"negative display", func(c *Config) { c.Display.Index = -1 }},
		{"unknown source", func(c *Config) { c.Source = "webcam" }},
		{"no encoder", func(c *Config) { c.Encoder = "" }},
		{"negative delay", func(c *Config) { c.ReconnectDelayMs = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "mode: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}
