package encoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bbarni2020/deskextend/media"
)

// Settings is the hardware encoder configuration derived from a
// DisplayConfig. Backends map these onto their own property names.
type Settings struct {
	Width                int
	Height               int
	FPS                  int
	AverageBitrate       int     // bits per second
	DataRateLimit        int     // bits allowed per DataRateWindow seconds
	DataRateWindow       float64 // seconds
	KeyframeInterval     int     // frames
	RealTime             bool
	AllowFrameReordering bool
	MaxFrameDelay        int
	Quality              float64 // 0..1
	Profile              string
}

// SettingsFor derives the low-latency encoder settings for a session.
func SettingsFor(cfg media.DisplayConfig) Settings {
	return Settings{
		Width:                cfg.Width,
		Height:               cfg.Height,
		FPS:                  cfg.FPS,
		AverageBitrate:       cfg.BitrateBps,
		DataRateLimit:        cfg.MaxBitrateBps(),
		DataRateWindow:       1,
		KeyframeInterval:     cfg.KeyframeInterval(),
		RealTime:             true,
		AllowFrameReordering: false,
		MaxFrameDelay:        1,
		Quality:              0.7,
		Profile:              "high",
	}
}

// Format describes the codec configuration a backend emits alongside its
// packets: the SPS/PPS NAL units and the width of each NAL length field.
type Format struct {
	ParameterSets  [][]byte
	NALULengthSize int
}

// Packet is one compressed access unit as produced by a backend, laid out
// as big-endian length-prefixed NAL records.
type Packet struct {
	Data     []byte
	PTS      media.Timestamp
	Keyframe bool
	Format   *Format // nil when unchanged since the previous packet
}

// OutputFunc receives packets from a backend in presentation order. It may
// be called from a backend-owned goroutine.
type OutputFunc func(Packet)

// Backend is an opened hardware encoder session.
type Backend interface {
	// Encode queues one frame. The frame data must not be retained after
	// Encode returns.
	Encode(frame media.RawFrame, pts media.Timestamp) error
	// Flush blocks until every queued frame has been emitted or dropped.
	Flush() error
	Close() error
}

// KeyframeRequester is implemented by backends that can force the next
// encoded frame to be a keyframe.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Opener creates a backend session that delivers packets to out.
type Opener func(s Settings, out OutputFunc) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Opener)
)

// Register makes a backend available under name. Registering the same name
// twice replaces the earlier opener.
func Register(name string, open Opener) {
	if name == "" || open == nil {
		return
	}
	registryMu.Lock()
	registry[name] = open
	registryMu.Unlock()
}

// Lookup returns the opener registered under name.
func Lookup(name string) (Opener, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not registered (available: %v)", ErrSetup, name, Backends())
	}
	return open, nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
