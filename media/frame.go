// Package media defines the value types that flow through the deskextend
// sender pipeline, from screen capture through encoding to the transport.
package media

import (
	"errors"
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of a captured frame.
type PixelFormat int

// Pixel formats produced by the capture sources.
const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
	PixelFormatNV12
)

// String returns the GStreamer-style format name.
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA:
		return "RGBA"
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "unknown"
	}
}

var errInvalidConfig = errors.New("invalid display config")

// DisplayConfig is the immutable video configuration of one streaming
// session: output size, target frame rate, and target bitrate.
type DisplayConfig struct {
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	FPS        int `json:"fps" yaml:"fps"`
	BitrateBps int `json:"bitrate" yaml:"bitrate"`
}

// Common presets.
var (
	FullHD60 = DisplayConfig{Width: 1920, Height: 1080, FPS: 60, BitrateBps: 20_000_000}
	FullHD30 = DisplayConfig{Width: 1920, Height: 1080, FPS: 30, BitrateBps: 10_000_000}
)

// FrameInterval is the target time between frames (1/FPS).
func (c DisplayConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// KeyframeInterval is the maximum distance between keyframes, in frames.
func (c DisplayConfig) KeyframeInterval() int {
	return 2 * c.FPS
}

// MaxBitrateBps is the hard data-rate ceiling handed to the encoder.
func (c DisplayConfig) MaxBitrateBps() int {
	return c.BitrateBps * 3 / 2
}

// Resolution returns the "WIDTHxHEIGHT" label used in stats.
func (c DisplayConfig) Resolution() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// Validate reports whether every field is usable by the encoder.
func (c DisplayConfig) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", errInvalidConfig, c.Width, c.Height)
	case c.Width%2 != 0 || c.Height%2 != 0:
		return fmt.Errorf("%w: size %dx%d must be even for 4:2:0 chroma", errInvalidConfig, c.Width, c.Height)
	case c.FPS <= 0 || c.FPS > 240:
		return fmt.Errorf("%w: fps %d", errInvalidConfig, c.FPS)
	case c.BitrateBps <= 0:
		return fmt.Errorf("%w: bitrate %d", errInvalidConfig, c.BitrateBps)
	}
	return nil
}

// RawFrame references a captured pixel buffer. Data is owned by the capture
// source and is only valid until the per-frame callback returns; consumers
// that need it longer must copy.
type RawFrame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration // source clock, informational only
}

// Timestamp is an exact rational presentation time: Value/Timescale seconds.
type Timestamp struct {
	Value     int64
	Timescale int32
}

// Duration converts the timestamp to a time.Duration (rounded down).
func (t Timestamp) Duration() time.Duration {
	if t.Timescale <= 0 {
		return 0
	}
	return time.Duration(t.Value) * time.Second / time.Duration(t.Timescale)
}

// EncodedUnit is one compressed access unit in Annex-B form, possibly
// preceded by injected parameter sets. Units are emitted in presentation
// order.
type EncodedUnit struct {
	Seq      int64
	PTS      Timestamp
	Keyframe bool
	Data     []byte
}
