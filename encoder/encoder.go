// Package encoder turns captured frames into a self-synchronizing H.264
// Annex B stream. It wraps a hardware encoder Backend, assigns constant-rate
// presentation timestamps, rewrites the backend's length-prefixed NAL
// records to start-code form, and injects cached parameter sets wherever a
// receiver may start decoding.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Eyevinn/mp4ff/avc"

	"github.com/bbarni2020/deskextend/annexb"
	"github.com/bbarni2020/deskextend/media"
)

var (
	// ErrSetup wraps any failure to open or configure the hardware encoder.
	ErrSetup = errors.New("encoder setup failed")

	// ErrNotReady is recorded when a frame arrives while no backend is open.
	ErrNotReady = errors.New("encoder not ready")
)

const defaultNALULengthSize = 4

// Counters are the per-session frame counters. They only grow.
type Counters struct {
	Submitted int64 `json:"submitted"`
	Encoded   int64 `json:"encoded"`
	Dropped   int64 `json:"dropped"`
}

// Encoder owns one backend session at a time and feeds normalized units to
// its output function in submission order.
type Encoder struct {
	log    *slog.Logger
	cfg    media.DisplayConfig
	open   Opener
	output func(media.EncodedUnit)

	// mu guards the backend lifecycle and the frame index.
	mu         sync.Mutex
	backend    Backend
	frameIndex int64
	forceKey   bool

	// outMu guards the output normalization state. Backends may emit from
	// their own goroutine, so it is separate from mu.
	outMu       sync.Mutex
	params      [][]byte
	lengthSize  int
	needParams  bool
	seq         int64
	warnedNoPS  bool
	lastFailure string

	submitted atomic.Int64
	encoded   atomic.Int64
	dropped   atomic.Int64
}

// New opens a backend for cfg and returns an Encoder that delivers units to
// output. A backend that cannot be opened yields an error wrapping ErrSetup.
// If log is nil, slog.Default() is used.
func New(cfg media.DisplayConfig, open Opener, output func(media.EncodedUnit), log *slog.Logger) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if open == nil {
		return nil, fmt.Errorf("%w: no backend", ErrSetup)
	}
	if output == nil {
		output = func(media.EncodedUnit) {}
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Encoder{
		log:        log.With("component", "encoder"),
		cfg:        cfg,
		open:       open,
		output:     output,
		lengthSize: defaultNALULengthSize,
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// Config returns the session configuration.
func (e *Encoder) Config() media.DisplayConfig {
	return e.cfg
}

// Start opens a backend if none is open. Counters and the timestamp clock
// carry over from a previous Start/Stop cycle; parameter sets are re-sent
// on the first unit afterwards.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		return nil
	}
	b, err := e.open(SettingsFor(e.cfg), e.handlePacket)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	e.backend = b

	e.outMu.Lock()
	e.needParams = true
	e.outMu.Unlock()

	e.log.Info("encoder started",
		"resolution", e.cfg.Resolution(),
		"fps", e.cfg.FPS,
		"bitrate", e.cfg.BitrateBps,
		"keyframe_interval", e.cfg.KeyframeInterval(),
	)
	return nil
}

// Running reports whether a backend is open.
func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend != nil
}

// Submit encodes one frame. The presentation timestamp comes from an
// internal frame counter at 1/FPS spacing, not from frame.Timestamp, so
// capture jitter never reaches the bitstream. Failures are counted as
// drops and never returned to the capture callback.
func (e *Encoder) Submit(frame media.RawFrame) {
	e.submitted.Add(1)

	e.mu.Lock()
	b := e.backend
	if b == nil {
		e.mu.Unlock()
		e.drop(ErrNotReady)
		return
	}
	if e.forceKey {
		if kr, ok := b.(KeyframeRequester); ok {
			kr.RequestKeyframe()
		}
		e.forceKey = false
	}
	pts := media.Timestamp{Value: e.frameIndex, Timescale: int32(e.cfg.FPS)}
	err := b.Encode(frame, pts)
	if err == nil {
		e.frameIndex++
	}
	e.mu.Unlock()

	if err != nil {
		e.drop(err)
	}
}

// RecordDrop counts a frame lost before it reached the encoder, such as a
// capture error.
func (e *Encoder) RecordDrop(err error) {
	e.submitted.Add(1)
	e.drop(err)
}

// RequestKeyframe makes the next unit a keyframe carrying parameter sets,
// so a receiver that joins mid-session can start decoding.
func (e *Encoder) RequestKeyframe() {
	e.mu.Lock()
	e.forceKey = true
	e.mu.Unlock()

	e.outMu.Lock()
	e.needParams = true
	e.outMu.Unlock()
}

// Stop flushes frames still inside the backend, then releases it. It is
// safe to call on a stopped encoder.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.backend
	if b == nil {
		return nil
	}
	e.backend = nil

	flushErr := b.Flush()
	if flushErr != nil {
		e.log.Warn("flush failed, tail frames may be lost", "error", flushErr)
	}
	closeErr := b.Close()
	c := e.Counters()
	e.log.Info("encoder stopped",
		"submitted", c.Submitted,
		"encoded", c.Encoded,
		"dropped", c.Dropped,
	)
	return errors.Join(flushErr, closeErr)
}

// Counters returns a snapshot of the frame counters.
func (e *Encoder) Counters() Counters {
	return Counters{
		Submitted: e.submitted.Load(),
		Encoded:   e.encoded.Load(),
		Dropped:   e.dropped.Load(),
	}
}

// ParameterSets returns a copy of the cached SPS/PPS NAL units.
func (e *Encoder) ParameterSets() [][]byte {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	out := make([][]byte, len(e.params))
	for i, ps := range e.params {
		out[i] = append([]byte(nil), ps...)
	}
	return out
}

func (e *Encoder) drop(err error) {
	n := e.dropped.Add(1)
	msg := err.Error()
	e.outMu.Lock()
	repeated := msg == e.lastFailure
	e.lastFailure = msg
	e.outMu.Unlock()
	if repeated {
		e.log.Debug("frame dropped", "error", err, "dropped", n)
		return
	}
	e.log.Warn("frame dropped", "error", err, "dropped", n)
}

// handlePacket is the backend output callback.
func (e *Encoder) handlePacket(p Packet) {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	if p.Format != nil {
		e.updateFormat(*p.Format)
	}

	nalus, err := annexb.SplitLengthPrefixed(p.Data, e.lengthSize)
	if err != nil || len(nalus) == 0 {
		e.log.Debug("discarding empty or malformed packet", "bytes", len(p.Data), "error", err)
		return
	}
	if e.params == nil {
		if ps := annexb.ExtractParameterSets(nalus); ps != nil {
			e.setParams(ps)
		}
	}

	size := len(p.Data) + len(nalus)*len(annexb.StartCode)
	body := p.Data
	var out []byte

	if e.params != nil && (p.Keyframe || e.needParams) {
		if !leadingSPS(nalus) {
			for _, ps := range e.params {
				size += len(annexb.StartCode) + len(ps)
			}
			out = make([]byte, 0, size)
			// An access unit delimiter stays the first NAL of the unit.
			if avc.GetNaluType(nalus[0][0]) == avc.NALU_AUD {
				out = append(out, annexb.StartCode...)
				out = append(out, nalus[0]...)
				body = body[e.lengthSize+len(nalus[0]):]
			}
			out = annexb.AppendParameterSets(out, e.params)
		}
		e.needParams = false
	} else if e.params == nil && !e.warnedNoPS {
		e.warnedNoPS = true
		e.log.Warn("no parameter sets available yet, receiver may not decode")
	}
	if out == nil {
		out = make([]byte, 0, size)
	}
	out, _, _ = annexb.AppendFromLengthPrefixed(out, body, e.lengthSize)

	e.seq++
	e.encoded.Add(1)
	e.output(media.EncodedUnit{
		Seq:      e.seq,
		PTS:      p.PTS,
		Keyframe: p.Keyframe,
		Data:     out,
	})
}

func (e *Encoder) updateFormat(f Format) {
	size := f.NALULengthSize
	if size < 1 || size > 4 {
		size = defaultNALULengthSize
	}
	e.lengthSize = size
	if len(f.ParameterSets) > 0 && !sameSets(e.params, f.ParameterSets) {
		e.setParams(f.ParameterSets)
	}
}

func (e *Encoder) setParams(sets [][]byte) {
	e.params = make([][]byte, len(sets))
	for i, ps := range sets {
		e.params[i] = append([]byte(nil), ps...)
	}
	e.needParams = true
	attrs := []any{"sets", len(sets), "nal_length_size", e.lengthSize}
	if info, err := annexb.Describe(e.params); err == nil {
		attrs = append(attrs, "codec", info.CodecString(), "width", info.Width, "height", info.Height)
	}
	e.log.Info("parameter sets cached", attrs...)
}

func sameSets(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// leadingSPS reports whether an SPS appears before the first slice of the
// access unit.
func leadingSPS(nalus [][]byte) bool {
	for _, nal := range nalus {
		switch t := avc.GetNaluType(nal[0]); {
		case t == avc.NALU_SPS:
			return true
		case t >= avc.NALU_NON_IDR && t <= avc.NALU_IDR:
			return false
		}
	}
	return false
}
