// Package config loads the sender's YAML configuration and applies
// DESKEXTEND_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bbarni2020/deskextend/capture"
	"github.com/bbarni2020/deskextend/media"
	"github.com/bbarni2020/deskextend/pipeline"
	"github.com/bbarni2020/deskextend/transport"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete sender configuration.
type Config struct {
	Mode    string        `yaml:"mode"` // usb, network, hybrid
	USB     USBConfig     `yaml:"usb"`
	Network NetworkConfig `yaml:"network"`
	Display DisplayConfig `yaml:"display"`
	Encoder string        `yaml:"encoder"`
	Source  string        `yaml:"source"`

	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`
	StatsIntervalMs  int `yaml:"stats_interval_ms"`
	QueueDepth       int `yaml:"queue_depth"`
}

// USBConfig names the serial device of the USB link.
type USBConfig struct {
	Device string `yaml:"device"`
}

// NetworkConfig describes the network link.
type NetworkConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Protocol        string `yaml:"protocol"` // tcp, srt, quic
	CertFingerprint string `yaml:"cert_fingerprint"`
	StreamID        string `yaml:"stream_id"`
}

// DisplayConfig selects the captured display and the encode settings.
type DisplayConfig struct {
	Index               int `yaml:"index"`
	media.DisplayConfig `yaml:",inline"`
}

// Default returns the built-in configuration: network mode on the default
// port, 1080p60 from the primary display.
func Default() *Config {
	return &Config{
		Mode: "network",
		Network: NetworkConfig{
			Port:     transport.DefaultPort,
			Protocol: string(transport.ProtocolTCP),
		},
		Display:          DisplayConfig{DisplayConfig: media.FullHD60},
		Encoder:          "gst",
		Source:           capture.SourceScreenshot,
		ReconnectDelayMs: int(transport.DefaultReconnectDelay / time.Millisecond),
		StatsIntervalMs:  int(pipeline.DefaultStatsInterval / time.Millisecond),
		QueueDepth:       transport.DefaultQueueDepth,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	return n, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Mode = envOr(getenv, "DESKEXTEND_MODE", c.Mode)
	c.USB.Device = envOr(getenv, "DESKEXTEND_DEVICE", c.USB.Device)
	c.Network.Host = envOr(getenv, "DESKEXTEND_HOST", c.Network.Host)
	c.Network.Protocol = envOr(getenv, "DESKEXTEND_PROTOCOL", c.Network.Protocol)
	c.Network.CertFingerprint = envOr(getenv, "DESKEXTEND_CERT_FINGERPRINT", c.Network.CertFingerprint)
	c.Encoder = envOr(getenv, "DESKEXTEND_ENCODER", c.Encoder)
	c.Source = envOr(getenv, "DESKEXTEND_SOURCE", c.Source)

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"DESKEXTEND_PORT", &c.Network.Port},
		{"DESKEXTEND_DISPLAY", &c.Display.Index},
		{"DESKEXTEND_WIDTH", &c.Display.Width},
		{"DESKEXTEND_HEIGHT", &c.Display.Height},
		{"DESKEXTEND_FPS", &c.Display.FPS},
		{"DESKEXTEND_BITRATE", &c.Display.BitrateBps},
	}
	for _, e := range ints {
		if *e.dst, err = envInt(getenv, e.key, *e.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the link settings and the display configuration.
func (c *Config) Validate() error {
	if _, err := c.TransportMode(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Display.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Display.Index < 0 {
		return fmt.Errorf("%w: display index %d", ErrInvalid, c.Display.Index)
	}
	switch c.Source {
	case capture.SourceScreenshot, capture.SourceGStreamer, capture.SourcePattern:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, c.Source)
	}
	if c.Encoder == "" {
		return fmt.Errorf("%w: encoder backend required", ErrInvalid)
	}
	if c.ReconnectDelayMs < 0 || c.StatsIntervalMs < 0 || c.QueueDepth < 0 {
		return fmt.Errorf("%w: negative timing or queue setting", ErrInvalid)
	}
	return nil
}

// TransportMode builds the transport mode for the configured link.
func (c *Config) TransportMode() (transport.Mode, error) {
	kind, err := transport.ParseKind(c.Mode)
	if err != nil {
		return transport.Mode{}, err
	}
	var m transport.Mode
	switch kind {
	case transport.KindUSB:
		m = transport.USB(c.USB.Device)
	case transport.KindNetwork:
		m = transport.Network(c.Network.Host, c.Network.Port)
	case transport.KindHybrid:
		m = transport.Hybrid(c.USB.Device, c.Network.Host, c.Network.Port)
	}
	if c.Network.Protocol != "" && kind != transport.KindUSB {
		m = m.WithProtocol(transport.Protocol(strings.ToLower(c.Network.Protocol)))
	}
	return m, m.Validate()
}

// Request builds the controller request.
func (c *Config) Request() (pipeline.Request, error) {
	m, err := c.TransportMode()
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return pipeline.Request{
		Mode:    m,
		Display: c.Display.Index,
		Config:  c.Display.DisplayConfig,
	}, nil
}

// TransportOptions returns the transport tuning from the config. Status,
// log and logger fields are left for the controller to fill.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		ReconnectDelay:  time.Duration(c.ReconnectDelayMs) * time.Millisecond,
		QueueDepth:      c.QueueDepth,
		CertFingerprint: c.Network.CertFingerprint,
		StreamID:        c.Network.StreamID,
	}
}

// StatsInterval is the stats reporting period.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMs) * time.Millisecond
}
