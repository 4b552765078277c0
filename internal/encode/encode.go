// Package encode wraps H.264 and AAC codec backends behind the
// types.VideoEncoder and types.AudioEncoder contracts.
//
// Codec backends (libavcodec, OpenH264) live in cgo subpackages and only
// implement the small Codec interfaces below; header caching, framing
// conversion, PTS bookkeeping, audio framing and resampling happen here.
package encode

import (
	"errors"
	"fmt"
)

var (
	// ErrEncode is returned when the codec rejects a frame.
	ErrEncode = errors.New("encode: codec error")
	// ErrFlushed is returned by calls made after Flush.
	ErrFlushed = errors.New("encode: encoder flushed")
	// ErrFrameSize is returned for frames that do not match the configured size.
	ErrFrameSize = errors.New("encode: frame size mismatch")
	// ErrHeadersNotReady is returned by Headers before the first keyframe of
	// an inline-header codec.
	ErrHeadersNotReady = errors.New("encode: parameter sets not available yet")
	// ErrUnavailable is returned by backends compiled without their library.
	ErrUnavailable = errors.New("encode: codec backend not available")
)

// Packet is one access unit produced by a codec. Video data is Annex-B.
type Packet struct {
	Data []byte
	PTS  int64
	Key  bool
}

// VideoCodec is an H.264 backend that consumes I420 pictures.
type VideoCodec interface {
	// Encode submits one picture laid out as [Y | U | V]. It returns the
	// packets the codec produced, possibly none.
	Encode(yuv []byte, pts int64, forceIDR bool) ([]Packet, error)
	// Drain signals end of stream and returns the remaining packets.
	Drain() ([]Packet, error)
	Name() string
	Close()
}

// VideoConfig is the encoder setup shared by every backend.
type VideoConfig struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	// AnnexB selects start-code framing for output; false gives 4-byte
	// length prefixes.
	AnnexB bool
}

func (c VideoConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("encode: invalid size %dx%d", c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("encode: size %dx%d must be even", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("encode: invalid fps %d", c.FPS)
	}
	return nil
}

// KeyframeInterval is one second of frames.
func (c VideoConfig) KeyframeInterval() int { return c.FPS }

// AudioCodec is an AAC backend consuming planar float frames of FrameSize
// samples per channel.
type AudioCodec interface {
	FrameSize() int
	Encode(planar [][]float32) ([][]byte, error)
	Drain() ([][]byte, error)
	// AudioSpecificConfig returns the codec's extradata, or nil to let the
	// caller derive it from the configuration.
	AudioSpecificConfig() []byte
	Close()
}

// AudioDecoder turns AAC access units back into planar float samples.
type AudioDecoder interface {
	Decode(packet []byte) ([][]float32, error)
	SampleRate() int
	Channels() int
	Close()
}

// AudioConfig is the AAC profile.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	BitrateKbps int
}

func (c AudioConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("encode: invalid sample rate %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("encode: %d channels not supported", c.Channels)
	}
	return nil
}
