package denoise

import (
	"fmt"
	"time"

	"reelcast/internal/types"
	"reelcast/internal/wav"
)

// Stream denoises arbitrary-sized interleaved chunks. Output is produced one
// full frame at a time; residue shorter than a frame waits for more input or
// for Flush, which returns it unprocessed.
type Stream struct {
	format wav.Format
	sc     scaler
	ch     *channels
	buf    [][]float32
	vad    *VADGate
	mono   []float32

	// emitted counts output frames for timestamping.
	emitted int64
	start   time.Duration
	started bool
}

// NewStream returns a streaming denoiser for f. gate may be nil.
func NewStream(f wav.Format, factory Factory, gate *VADGate) (*Stream, error) {
	sc, err := newScaler(f)
	if err != nil {
		return nil, err
	}
	if !SupportedSampleRate(f.SampleRate) {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedSampleRate, f.SampleRate)
	}
	ch, err := newChannels(f.Channels, factory)
	if err != nil {
		return nil, err
	}
	s := &Stream{format: f, sc: sc, ch: ch, vad: gate, mono: make([]float32, FrameSize)}
	for i := 0; i < f.Channels; i++ {
		s.buf = append(s.buf, make([]float32, 0, 2*FrameSize))
	}
	return s, nil
}

func (s *Stream) Format() wav.Format { return s.format }

// Buffered returns the number of per-channel samples awaiting a full frame.
func (s *Stream) Buffered() int { return len(s.buf[0]) }

// Process appends samples and returns the denoised output for every full
// frame now available, or nil if none is.
func (s *Stream) Process(samples []float32) ([]float32, error) {
	nch := s.format.Channels
	if len(samples)%nch != 0 {
		return nil, fmt.Errorf("denoise: %d samples is not a multiple of %d channels", len(samples), nch)
	}
	for i := 0; i < len(samples); i += nch {
		for c := 0; c < nch; c++ {
			s.buf[c] = append(s.buf[c], s.sc.toPCM(samples[i+c]))
		}
	}

	frames := len(s.buf[0]) / FrameSize
	if frames == 0 {
		return nil, nil
	}
	out := make([]float32, 0, frames*FrameSize*nch)
	for f := 0; f < frames; f++ {
		off := f * FrameSize
		for c := 0; c < nch; c++ {
			copy(s.ch.in[c], s.buf[c][off:off+FrameSize])
		}
		prob := s.ch.process()
		for i := 0; i < FrameSize; i++ {
			var sum float32
			for c := 0; c < nch; c++ {
				v := s.ch.out[c][i]
				sum += v
				out = append(out, s.sc.fromPCM(v))
			}
			s.mono[i] = sum / float32(nch) / pcm16Max
		}
		if s.vad != nil {
			s.vad.Push(s.mono, prob)
		}
	}
	used := frames * FrameSize
	for c := 0; c < nch; c++ {
		n := copy(s.buf[c], s.buf[c][used:])
		s.buf[c] = s.buf[c][:n]
	}
	s.emitted += int64(used)
	return out, nil
}

// ProcessFrame denoises a live interleaved float frame. The returned frame
// is nil until a full suppressor frame has accumulated. A change of sample
// rate or channel count is an error.
func (s *Stream) ProcessFrame(in *types.AudioFrame) (*types.AudioFrame, error) {
	if in.SampleRate != s.format.SampleRate || in.Channels != s.format.Channels {
		return nil, fmt.Errorf("%w: %d Hz %dch, want %d Hz %dch", ErrFormatChanged,
			in.SampleRate, in.Channels, s.format.SampleRate, s.format.Channels)
	}
	if !s.started {
		s.start = in.Timestamp
		s.started = true
	}
	before := s.emitted
	out, err := s.Process(in.Samples)
	if err != nil || out == nil {
		return nil, err
	}
	return &types.AudioFrame{
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Format:     types.SampleF32Interleaved,
		Samples:    out,
		Timestamp:  s.start + time.Duration(before)*time.Second/time.Duration(s.format.SampleRate),
	}, nil
}

// Flush returns the buffered residue converted back to the source range,
// without suppression, and closes any open VAD segment.
func (s *Stream) Flush() []float32 {
	if s.vad != nil {
		s.vad.Flush()
	}
	n := len(s.buf[0])
	if n == 0 {
		return nil
	}
	nch := s.format.Channels
	out := make([]float32, 0, n*nch)
	for i := 0; i < n; i++ {
		for c := 0; c < nch; c++ {
			out = append(out, s.sc.fromPCM(s.buf[c][i]))
		}
	}
	for c := range s.buf {
		s.buf[c] = s.buf[c][:0]
	}
	s.emitted += int64(n)
	return out
}

func (s *Stream) Close() { s.ch.close() }
