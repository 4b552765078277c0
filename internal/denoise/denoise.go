// Package denoise runs frame-based RNN noise suppression over WAV files and
// live audio streams.
package denoise

import (
	"errors"
	"fmt"

	"reelcast/internal/wav"
)

// FrameSize is the number of samples per channel the suppressor consumes at once.
const FrameSize = 480

var (
	ErrUnsupportedBitDepth   = errors.New("denoise: unsupported bit depth")
	ErrUnsupportedSampleRate = errors.New("denoise: unsupported sample rate")
	ErrFormatChanged         = errors.New("denoise: stream format changed")
)

// Suppressor denoises one mono frame of FrameSize samples in 16-bit PCM range
// and returns the voice probability of the frame.
type Suppressor interface {
	ProcessFrame(out, in []float32) float32
	Close()
}

// Factory creates one suppressor per channel.
type Factory func() (Suppressor, error)

// SupportedSampleRate reports whether rate can be fed to the suppressor
// without resampling.
func SupportedSampleRate(rate int) bool {
	return rate == 44100 || rate == 48000
}

const (
	pcm16Max = 32767.0
	pcm24Max = 8388607.0
	pcm32Max = 2147483647.0
)

// scaler converts between a wav.Format's native range and 16-bit PCM range.
type scaler struct {
	to   float32
	from float32
	min  float32
	max  float32
}

func newScaler(f wav.Format) (scaler, error) {
	if f.Float {
		if f.BitsPerSample != 0 && f.BitsPerSample != 32 {
			return scaler{}, fmt.Errorf("%w: %d-bit float", ErrUnsupportedBitDepth, f.BitsPerSample)
		}
		return scaler{to: pcm16Max, from: 1 / pcm16Max, min: -1, max: 1}, nil
	}
	switch f.BitsPerSample {
	case 16:
		return scaler{to: 1, from: 1, min: -pcm16Max - 1, max: pcm16Max}, nil
	case 24:
		return scaler{to: pcm16Max / pcm24Max, from: pcm24Max / pcm16Max, min: -pcm24Max - 1, max: pcm24Max}, nil
	case 32:
		return scaler{to: pcm16Max / pcm32Max, from: pcm32Max / pcm16Max, min: -pcm32Max - 1, max: pcm32Max}, nil
	}
	return scaler{}, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, f.BitsPerSample)
}

func (s scaler) toPCM(v float32) float32 { return v * s.to }

func (s scaler) fromPCM(v float32) float32 {
	v *= s.from
	if v > s.max {
		return s.max
	}
	if v < s.min {
		return s.min
	}
	return v
}

// channels holds one suppressor and its frame buffers per channel.
type channels struct {
	sup []Suppressor
	in  [][]float32
	out [][]float32
}

func newChannels(n int, factory Factory) (*channels, error) {
	if n <= 0 {
		return nil, fmt.Errorf("denoise: %d channels", n)
	}
	c := &channels{}
	for i := 0; i < n; i++ {
		s, err := factory()
		if err != nil {
			c.close()
			return nil, fmt.Errorf("create suppressor: %w", err)
		}
		c.sup = append(c.sup, s)
		c.in = append(c.in, make([]float32, FrameSize))
		c.out = append(c.out, make([]float32, FrameSize))
	}
	return c, nil
}

// process denoises the current input frames and returns the mean voice
// probability across channels.
func (c *channels) process() float32 {
	var vad float32
	for i, s := range c.sup {
		vad += s.ProcessFrame(c.out[i], c.in[i])
	}
	return vad / float32(len(c.sup))
}

func (c *channels) close() {
	for _, s := range c.sup {
		s.Close()
	}
	c.sup = nil
}
