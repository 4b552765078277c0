package encode

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/types"
)

// AudioEncoder adapts an AudioCodec to types.AudioEncoder. Input frames are
// converted to the configured rate and layout, cut into codec-sized planar
// frames and timestamped from the cumulative sample count.
type AudioEncoder struct {
	cfg    AudioConfig
	codec  AudioCodec
	logger *zap.Logger

	asc       []byte
	frameSize int
	rs        *Resampler
	planar    [][]float32 // per channel, less than frameSize long between calls

	basePTS int64
	started bool
	emitted int64 // per channel, covered by returned packets
	flushed bool
}

func NewAudioEncoder(cfg AudioConfig, codec AudioCodec, logger *zap.Logger) (*AudioEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if codec.FrameSize() <= 0 {
		return nil, fmt.Errorf("%w: codec frame size %d", ErrEncode, codec.FrameSize())
	}
	asc := codec.AudioSpecificConfig()
	if len(asc) == 0 {
		var err error
		if asc, err = SpecificConfig(cfg); err != nil {
			return nil, err
		}
	}
	e := &AudioEncoder{
		cfg:       cfg,
		codec:     codec,
		logger:    logging.OrNop(logger).Named("encode"),
		asc:       asc,
		frameSize: codec.FrameSize(),
		planar:    make([][]float32, cfg.Channels),
	}
	e.logger.Info("audio encoder ready",
		zap.Int("sample_rate", cfg.SampleRate),
		zap.Int("channels", cfg.Channels),
		zap.Int("bitrate_kbps", cfg.BitrateKbps),
		zap.Int("frame_size", e.frameSize))
	return e, nil
}

// SpecificConfig builds an AAC-LC AudioSpecificConfig for cfg.
func SpecificConfig(cfg AudioConfig) ([]byte, error) {
	asc := &aac.AudioSpecificConfig{
		ObjectType:           aac.AAClc,
		ChannelConfiguration: byte(cfg.Channels),
		SamplingFrequency:    cfg.SampleRate,
	}
	var buf bytes.Buffer
	if err := asc.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode: audio specific config: %w", err)
	}
	return buf.Bytes(), nil
}

// Header returns the AudioSpecificConfig.
func (e *AudioEncoder) Header() []byte { return e.asc }

// Encode consumes one frame and returns the packets completed by it.
func (e *AudioEncoder) Encode(frame *types.AudioFrame) ([]*types.EncodedFrame, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	if frame.Channels <= 0 || frame.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid audio frame %d Hz %d ch", ErrEncode, frame.SampleRate, frame.Channels)
	}
	if !e.started {
		e.basePTS = frame.Timestamp.Milliseconds()
		e.started = true
	}

	samples := frame.Samples
	if frame.Format == types.SampleF32Planar {
		samples = interleave(samples, frame.Channels)
	}
	if e.rs == nil || !e.rs.Matches(frame.SampleRate, frame.Channels) {
		if e.rs != nil {
			e.logger.Warn("audio input format changed",
				zap.Int("sample_rate", frame.SampleRate),
				zap.Int("channels", frame.Channels))
		}
		e.rs = NewResampler(frame.SampleRate, frame.Channels, e.cfg.SampleRate, e.cfg.Channels)
	}
	e.push(e.rs.Process(samples))

	var out []*types.EncodedFrame
	for len(e.planar[0]) >= e.frameSize {
		pkts, err := e.submit(e.frameSize)
		if err != nil {
			return out, err
		}
		out = append(out, pkts...)
	}
	return out, nil
}

// push deinterleaves into the per-channel accumulators.
func (e *AudioEncoder) push(interleaved []float32) {
	ch := e.cfg.Channels
	n := len(interleaved) / ch
	for c := 0; c < ch; c++ {
		buf := e.planar[c]
		for i := 0; i < n; i++ {
			buf = append(buf, interleaved[i*ch+c])
		}
		e.planar[c] = buf
	}
}

// submit hands the first frameSize samples of every channel to the codec.
func (e *AudioEncoder) submit(n int) ([]*types.EncodedFrame, error) {
	frame := make([][]float32, len(e.planar))
	for c := range e.planar {
		frame[c] = make([]float32, e.frameSize)
		copy(frame[c], e.planar[c][:n])
		e.planar[c] = append(e.planar[c][:0], e.planar[c][n:]...)
	}
	data, err := e.codec.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return e.wrap(data), nil
}

func (e *AudioEncoder) wrap(data [][]byte) []*types.EncodedFrame {
	out := make([]*types.EncodedFrame, 0, len(data))
	for _, d := range data {
		if len(d) == 0 {
			continue
		}
		pts := e.basePTS + e.emitted*1000/int64(e.cfg.SampleRate)
		e.emitted += int64(e.frameSize)
		out = append(out, &types.EncodedFrame{Kind: types.KindAudio, PTS: pts, Data: d})
	}
	return out
}

// Flush pads the residue to a full frame, drains the codec and returns the
// remaining packets. The encoder accepts no frames afterwards.
func (e *AudioEncoder) Flush() ([]*types.EncodedFrame, error) {
	if e.flushed {
		return nil, ErrFlushed
	}
	e.flushed = true
	var out []*types.EncodedFrame
	if n := len(e.planar[0]); n > 0 {
		pkts, err := e.submit(n)
		if err != nil {
			return nil, err
		}
		out = pkts
	}
	data, err := e.codec.Drain()
	if err != nil {
		return out, fmt.Errorf("%w: drain: %v", ErrEncode, err)
	}
	return append(out, e.wrap(data)...), nil
}

func (e *AudioEncoder) Close() { e.codec.Close() }

func interleave(planar []float32, channels int) []float32 {
	n := len(planar) / channels
	out := make([]float32, n*channels)
	for c := 0; c < channels; c++ {
		for i := 0; i < n; i++ {
			out[i*channels+c] = planar[c*n+i]
		}
	}
	return out
}

var _ types.AudioEncoder = (*AudioEncoder)(nil)
