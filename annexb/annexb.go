// Package annexb converts between the length-prefixed NAL layout produced by
// hardware encoders and the start-code delimited (Annex B) H.264 byte stream
// expected by receivers, and locates parameter sets within either form.
package annexb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// StartCode is the 4-byte delimiter written in front of every NAL unit.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

var (
	// ErrLengthSize is returned for NAL length fields outside 1..4 bytes.
	ErrLengthSize = errors.New("annexb: NAL length size must be 1..4 bytes")

	errNoSPS = errors.New("annexb: no SPS")
)

// NALUnit is one H.264 NAL unit located inside a buffer.
type NALUnit struct {
	Type avc.NaluType
	Data []byte // NAL header byte onwards, without start code or length
}

// Parse scans an Annex B byte stream for start codes and returns its NAL
// units. Both 3-byte (0x000001) and 4-byte (0x00000001) start codes are
// recognized. Returned slices alias data.
func Parse(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: avc.GetNaluType(nal[0]), Data: nal})
	}
	return units
}

// SplitLengthPrefixed splits a buffer of (big-endian length, payload)
// records. Scanning stops at the first zero-length or truncated record, so
// a corrupt tail is dropped rather than misparsed.
func SplitLengthPrefixed(src []byte, lengthSize int) ([][]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("%w: got %d", ErrLengthSize, lengthSize)
	}
	var nalus [][]byte
	offset := 0
	for offset+lengthSize <= len(src) {
		size := readLength(src[offset:offset+lengthSize])
		offset += lengthSize
		if size == 0 || uint64(offset)+uint64(size) > uint64(len(src)) {
			break
		}
		nalus = append(nalus, src[offset:offset+int(size)])
		offset += int(size)
	}
	return nalus, nil
}

// AppendFromLengthPrefixed rewrites length-prefixed NAL records from src as
// start-code delimited units appended to dst. It returns the extended
// buffer and the number of NAL units written.
func AppendFromLengthPrefixed(dst, src []byte, lengthSize int) ([]byte, int, error) {
	nalus, err := SplitLengthPrefixed(src, lengthSize)
	if err != nil {
		return dst, 0, err
	}
	for _, nal := range nalus {
		dst = append(dst, StartCode...)
		dst = append(dst, nal...)
	}
	return dst, len(nalus), nil
}

// AppendParameterSets appends each parameter set to dst behind a start code.
func AppendParameterSets(dst []byte, sets [][]byte) []byte {
	for _, ps := range sets {
		if len(ps) == 0 {
			continue
		}
		dst = append(dst, StartCode...)
		dst = append(dst, ps...)
	}
	return dst
}

// StartsWithSPS reports whether the first NAL unit of an Annex B buffer is
// a sequence parameter set.
func StartsWithSPS(data []byte) bool {
	units := Parse(data)
	return len(units) > 0 && units[0].Type == avc.NALU_SPS
}

// ContainsKeyframe reports whether an Annex B buffer carries an IDR slice.
func ContainsKeyframe(data []byte) bool {
	for _, u := range Parse(data) {
		if u.Type == avc.NALU_IDR {
			return true
		}
	}
	return false
}

// ExtractParameterSets collects the SPS and PPS units (in that order) from
// a list of NAL payloads. It returns nil when no SPS is present.
func ExtractParameterSets(nalus [][]byte) [][]byte {
	var sps, pps [][]byte
	for _, nal := range nalus {
		if len(nal) == 0 {
			continue
		}
		switch avc.GetNaluType(nal[0]) {
		case avc.NALU_SPS:
			sps = append(sps, nal)
		case avc.NALU_PPS:
			pps = append(pps, nal)
		}
	}
	if len(sps) == 0 {
		return nil
	}
	return append(sps, pps...)
}

// SPSInfo is the subset of SPS fields the sender reports.
type SPSInfo struct {
	Width   int
	Height  int
	Profile int
	Level   int
}

// CodecString returns the RFC 6381 codec parameter (e.g. "avc1.640028").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X00%02X", s.Profile, s.Level)
}

// Describe parses the first SPS among the given parameter sets.
func Describe(sets [][]byte) (SPSInfo, error) {
	for _, ps := range sets {
		if len(ps) == 0 || avc.GetNaluType(ps[0]) != avc.NALU_SPS {
			continue
		}
		sps, err := avc.ParseSPSNALUnit(ps, false)
		if err != nil {
			return SPSInfo{}, fmt.Errorf("parse SPS: %w", err)
		}
		return SPSInfo{
			Width:   int(sps.Width),
			Height:  int(sps.Height),
			Profile: int(sps.Profile),
			Level:   int(sps.Level),
		}, nil
	}
	return SPSInfo{}, errNoSPS
}

func readLength(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(b))
	case 3:
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	default:
		return binary.BigEndian.Uint32(b)
	}
}
