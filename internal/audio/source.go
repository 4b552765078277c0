// Package audio captures microphone and speaker-loopback audio as
// interleaved float32 frames, applying gain and RMS metering on the way.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/queue"
	"reelcast/internal/types"
	"reelcast/internal/wav"
)

var (
	ErrDeviceNotFound  = errors.New("audio: device not found")
	ErrLoopbackMissing = errors.New("audio: speaker loopback not available")
	ErrUnavailable     = errors.New("audio: no audio backend on this platform")
)

// Device is a capture endpoint.
type Device struct {
	ID          string
	Description string
	Default     bool
	// Monitor is true for the loopback source of an output device.
	Monitor bool
}

// Backend delivers interleaved float32 chunks from one device. fn is called
// on the backend's own goroutine and must not retain samples.
type Backend interface {
	Start(fn func(samples []float32)) error
	SampleRate() int
	Channels() int
	Stop()
}

// Options configures a Source.
type Options struct {
	Name  string // "mic" or "speaker", used in logs and metrics
	Gain  *Gain
	Meter *Meter
	// TapPath, if set, receives a float32 WAV copy of the post-gain signal.
	TapPath string
	// Epoch is the session clock zero; frame timestamps are relative to it.
	// Unset, it is the time of NewSource. SetEpoch replaces it before Run.
	Epoch  time.Time
	Logger *zap.Logger
}

// Source turns a Backend's callbacks into timestamped AudioFrames on a
// drop-oldest queue.
type Source struct {
	backend Backend
	opts    Options
	logger  *zap.Logger

	tap     *wav.Writer
	tapErr  logging.Limiter
	dropLog logging.Limiter

	first    time.Duration
	started  bool
	samples  int64
	chunks   atomic.Uint64
	overruns atomic.Uint64
}

func NewSource(b Backend, opts Options) *Source {
	if opts.Gain == nil {
		opts.Gain = &Gain{}
	}
	if opts.Epoch.IsZero() {
		opts.Epoch = time.Now()
	}
	return &Source{
		backend: b,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("audio").With(zap.String("source", opts.Name)),
	}
}

// SetEpoch moves the clock zero, for sources created before the session
// clock starts. It must be called before Run.
func (s *Source) SetEpoch(t time.Time) { s.opts.Epoch = t }

func (s *Source) SampleRate() int { return s.backend.SampleRate() }
func (s *Source) Channels() int   { return s.backend.Channels() }

// Overruns returns the number of frames evicted from the output queue.
func (s *Source) Overruns() uint64 { return s.overruns.Load() }

// Run starts the backend and delivers frames to out until ctx is done. out
// is closed on return.
func (s *Source) Run(ctx context.Context, out *queue.Queue[*types.AudioFrame]) error {
	defer out.Close()

	if s.opts.TapPath != "" {
		w, err := wav.Create(s.opts.TapPath, wav.Format{
			Channels:      s.backend.Channels(),
			SampleRate:    s.backend.SampleRate(),
			BitsPerSample: 32,
			Float:         true,
		})
		if err != nil {
			return fmt.Errorf("open %s tap: %w", s.opts.Name, err)
		}
		s.tap = w
	}

	before := out.Dropped()
	if err := s.backend.Start(func(samples []float32) { s.handle(samples, out) }); err != nil {
		s.closeTap()
		return fmt.Errorf("start %s capture: %w", s.opts.Name, err)
	}
	s.logger.Info("audio capture started",
		zap.Int("sample_rate", s.backend.SampleRate()),
		zap.Int("channels", s.backend.Channels()))

	<-ctx.Done()
	s.backend.Stop()
	s.closeTap()
	s.logger.Info("audio capture stopped",
		zap.Uint64("chunks", s.chunks.Load()),
		zap.Uint64("overruns", out.Dropped()-before))
	return nil
}

func (s *Source) handle(samples []float32, out *queue.Queue[*types.AudioFrame]) {
	if len(samples) == 0 {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)

	s.opts.Gain.Apply(buf)
	if s.opts.Meter != nil {
		s.opts.Meter.Publish(RMSLevel(buf))
	}
	if s.tap != nil {
		if err := s.tap.Write(buf); err != nil && s.tapErr.Allow(time.Second) {
			s.logger.Warn("write audio tap", zap.Error(err))
		}
	}

	rate, ch := s.backend.SampleRate(), s.backend.Channels()
	if !s.started {
		s.first = time.Since(s.opts.Epoch)
		s.started = true
	}
	ts := s.first + time.Duration(s.samples)*time.Second/time.Duration(rate)
	s.samples += int64(len(buf) / ch)
	s.chunks.Add(1)

	d := out.Dropped()
	out.Push(&types.AudioFrame{
		SampleRate: rate,
		Channels:   ch,
		Format:     types.SampleF32Interleaved,
		Samples:    buf,
		Timestamp:  ts,
	})
	if out.Dropped() != d {
		n := s.overruns.Add(1)
		if s.dropLog.Allow(time.Second) {
			s.logger.Warn("audio queue overrun", zap.Uint64("overruns", n))
		}
	}
}

func (s *Source) closeTap() {
	if s.tap == nil {
		return
	}
	if err := s.tap.Close(); err != nil {
		s.logger.Warn("close audio tap", zap.Error(err))
	}
	s.tap = nil
}
