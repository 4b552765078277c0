// Package h264 converts between Annex-B and length-prefixed H.264 and pulls
// parameter sets out of encoder output.
package h264

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

const (
	NALUIDR = 5
	NALUSEI = 6
	NALUSPS = 7
	NALUPPS = 8
	NALUAUD = 9
)

var ErrMalformed = errors.New("h264: malformed length-prefixed stream")

var startCode = []byte{0, 0, 0, 1}

// NALType returns the nal_unit_type of a NAL unit without prefix.
func NALType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1f)
}

// SplitAnnexB returns the NAL units of an Annex-B stream without their start
// codes. Both 3 and 4 byte start codes are accepted.
func SplitAnnexB(stream []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+3 <= len(stream) {
		if stream[i] == 0 && stream[i+1] == 0 && stream[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && stream[end-1] == 0 {
					end--
				}
				if end > start {
					nalus = append(nalus, stream[start:end])
				}
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(stream) {
		nalus = append(nalus, stream[start:])
	}
	return nalus
}

// IsAnnexB reports whether data begins with a start code.
func IsAnnexB(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0, 0, 1}) || bytes.HasPrefix(data, startCode)
}

// ToLengthPrefixed rewrites an Annex-B stream as 4-byte big-endian length
// prefixed NAL units. Start-code lengths are not recorded, so ToAnnexB of
// the result is byte-identical only for input using 4-byte start codes;
// 3-byte codes come back as 4-byte ones with the same NAL units.
func ToLengthPrefixed(stream []byte) []byte {
	nalus := SplitAnnexB(stream)
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// SplitLengthPrefixed returns the NAL units of a 4-byte length-prefixed stream.
func SplitLengthPrefixed(data []byte) ([][]byte, error) {
	var nalus [][]byte
	for pos := 0; pos < len(data); {
		if len(data)-pos < 4 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-pos)
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if n > len(data)-pos {
			return nil, fmt.Errorf("%w: nal length %d exceeds remaining %d", ErrMalformed, n, len(data)-pos)
		}
		nalus = append(nalus, data[pos:pos+n])
		pos += n
	}
	return nalus, nil
}

// ToAnnexB rewrites length-prefixed NAL units with 4-byte start codes,
// whatever start codes the stream had before ToLengthPrefixed.
func ToAnnexB(data []byte) ([]byte, error) {
	nalus, err := SplitLengthPrefixed(data)
	if err != nil {
		return nil, err
	}
	return JoinAnnexB(nalus...), nil
}

// JoinAnnexB concatenates NAL units behind 4-byte start codes.
func JoinAnnexB(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

// JoinLengthPrefixed concatenates NAL units behind 4-byte lengths.
func JoinLengthPrefixed(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// Split returns the NAL units of data in either framing.
func Split(data []byte, annexB bool) ([][]byte, error) {
	if annexB {
		return SplitAnnexB(data), nil
	}
	return SplitLengthPrefixed(data)
}

// ParameterSets returns the first SPS and PPS found in nalus.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, n := range nalus {
		switch NALType(n) {
		case NALUSPS:
			if sps == nil {
				sps = n
			}
		case NALUPPS:
			if pps == nil {
				pps = n
			}
		}
	}
	return sps, pps
}

// IsKeyframe reports whether the access unit contains an IDR slice.
func IsKeyframe(nalus [][]byte) bool {
	for _, n := range nalus {
		if NALType(n) == NALUIDR {
			return true
		}
	}
	return false
}

// HasType reports whether any NAL unit has type t.
func HasType(nalus [][]byte, t int) bool {
	for _, n := range nalus {
		if NALType(n) == t {
			return true
		}
	}
	return false
}

// StripParameterSets drops SPS, PPS and AUD units.
func StripParameterSets(nalus [][]byte) [][]byte {
	out := nalus[:0:0]
	for _, n := range nalus {
		switch NALType(n) {
		case NALUSPS, NALUPPS, NALUAUD:
			continue
		}
		out = append(out, n)
	}
	return out
}

// Headers holds one SPS and one PPS. The slices are never modified after
// construction.
type Headers struct {
	SPS []byte
	PPS []byte
}

// NewHeaders copies sps and pps.
func NewHeaders(sps, pps []byte) (*Headers, error) {
	if len(sps) == 0 || NALType(sps) != NALUSPS {
		return nil, errors.New("h264: missing sps")
	}
	if len(pps) == 0 || NALType(pps) != NALUPPS {
		return nil, errors.New("h264: missing pps")
	}
	return &Headers{
		SPS: bytes.Clone(sps),
		PPS: bytes.Clone(pps),
	}, nil
}

// Bytes returns SPS then PPS in the requested framing.
func (h *Headers) Bytes(annexB bool) []byte {
	if annexB {
		return JoinAnnexB(h.SPS, h.PPS)
	}
	return JoinLengthPrefixed(h.SPS, h.PPS)
}

// Dimensions parses the SPS and returns the coded picture size.
func (h *Headers) Dimensions() (width, height int, err error) {
	sps, err := avc.ParseSPSNALUnit(h.SPS, false)
	if err != nil {
		return 0, 0, fmt.Errorf("parse sps: %w", err)
	}
	return int(sps.Width), int(sps.Height), nil
}

// ProfileLevel returns profile_idc, constraint flags and level_idc.
func (h *Headers) ProfileLevel() (profile, compat, level byte) {
	if len(h.SPS) < 4 {
		return 0, 0, 0
	}
	return h.SPS[1], h.SPS[2], h.SPS[3]
}

// ParseHeaders extracts SPS and PPS from an encoded packet in either framing.
func ParseHeaders(data []byte, annexB bool) (*Headers, error) {
	nalus, err := Split(data, annexB)
	if err != nil {
		return nil, err
	}
	sps, pps := ParameterSets(nalus)
	return NewHeaders(sps, pps)
}
