package rtmp

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/yutopp/go-amf0"

	"reelcast/internal/h264"
)

// FLV tag body constants for RTMP audio and video messages.
const (
	codecAVC = 7
	codecAAC = 10

	frameKey   = 1
	frameInter = 2

	avcSequenceHeader = 0
	avcNALU           = 1

	aacSequenceHeader = 0
	aacRaw            = 1

	// AAC, 44 kHz flag, 16-bit, stereo. The flags are fixed for AAC; the
	// real layout comes from the AudioSpecificConfig.
	aacTagHeader = codecAAC<<4 | 3<<2 | 1<<1 | 1
)

// videoSequenceHeader wraps SPS/PPS in an AVCDecoderConfigurationRecord.
func videoSequenceHeader(hdr *h264.Headers) ([]byte, error) {
	rec, err := avc.CreateAVCDecConfRec([][]byte{hdr.SPS}, [][]byte{hdr.PPS}, true)
	if err != nil {
		return nil, fmt.Errorf("rtmp: avc decoder config: %w", err)
	}
	var buf bytes.Buffer
	buf.Write([]byte{frameKey<<4 | codecAVC, avcSequenceHeader, 0, 0, 0})
	if err := rec.Encode(&buf); err != nil {
		return nil, fmt.Errorf("rtmp: encode avc decoder config: %w", err)
	}
	return buf.Bytes(), nil
}

// videoPacket builds an AVC NALU message from the NAL units of one access
// unit. Parameter sets and delimiters travel in the sequence header only.
func videoPacket(nalus [][]byte) (payload []byte, key bool) {
	key = h264.IsKeyframe(nalus)
	nalus = h264.StripParameterSets(nalus)
	frame := byte(frameInter)
	if key {
		frame = frameKey
	}
	size := 5
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 5, size)
	out[0] = frame<<4 | codecAVC
	out[1] = avcNALU
	// composition time stays 0: no B-frames
	return append(out, h264.JoinLengthPrefixed(nalus...)...), key
}

func audioSequenceHeader(asc []byte) []byte {
	return append([]byte{aacTagHeader, aacSequenceHeader}, asc...)
}

func audioPacket(raw []byte) []byte {
	return append([]byte{aacTagHeader, aacRaw}, raw...)
}

// Metadata is the onMetaData script object.
type Metadata struct {
	Width, Height    int
	FrameRate        int
	VideoBitrateKbps int
	Audio            bool
	SampleRate       int
	Channels         int
	AudioBitrateKbps int
}

// encode writes "onMetaData" followed by the ECMA array, which is the body
// of an @setDataFrame data message.
func (m Metadata) encode() ([]byte, error) {
	props := amf0.ECMAArray{
		"duration":      float64(0),
		"width":         float64(m.Width),
		"height":        float64(m.Height),
		"framerate":     float64(m.FrameRate),
		"videocodecid":  float64(codecAVC),
		"videodatarate": float64(m.VideoBitrateKbps),
		"audiocodecid":  float64(codecAAC),
		"encoder":       "reelcast",
	}
	if m.Audio {
		props["audiosamplerate"] = float64(m.SampleRate)
		props["audiosamplesize"] = float64(16)
		props["audiodatarate"] = float64(m.AudioBitrateKbps)
		props["stereo"] = m.Channels == 2
	}

	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return nil, fmt.Errorf("rtmp: encode metadata: %w", err)
	}
	if err := enc.Encode(props); err != nil {
		return nil, fmt.Errorf("rtmp: encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}
