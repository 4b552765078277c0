// Package capture produces paced streams of screen frames from a named
// display output. Platform backends register themselves per desktop; the
// pacing loop, error classification and screen listing are shared.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/lifecycle"
	"reelcast/internal/logging"
	"reelcast/internal/metrics"
	"reelcast/internal/platform"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

var (
	ErrNoOutput           = errors.New("capture: no such output")
	ErrUnsupported        = errors.New("capture: unsupported")
	ErrBackendUnavailable = errors.New("capture: backend unavailable")

	// ErrAccessLost and ErrResetRequired are recoverable: the stream
	// reinitializes the backend and keeps going.
	ErrAccessLost    = errors.New("capture: access lost")
	ErrResetRequired = errors.New("capture: reset required")

	// ErrUnexpectedEOF ends a stream with lifecycle.Finished.
	ErrUnexpectedEOF = errors.New("capture: unexpected end of stream")
)

// DefaultFPS is used when neither the stream nor the source names a rate.
const DefaultFPS = 25

// maxResets bounds back-to-back reinitializations before a stream gives up.
const maxResets = 5

// Recoverable reports whether err is cured by reinitializing the backend.
func Recoverable(err error) bool {
	return errors.Is(err, ErrAccessLost) || errors.Is(err, ErrResetRequired)
}

// Backend captures frames from one output.
type Backend interface {
	// CaptureOnce grabs the current contents of the output.
	CaptureOnce(includeCursor bool) (*types.PixelBuffer, error)
	// Reinit rebuilds the platform session after a recoverable error.
	Reinit() error
	Size() (width, height int)
	Close()
}

// OpenFunc opens a backend for the named output. An empty name selects the
// primary output.
type OpenFunc func(name string, includeCursor bool, fps int, logger *zap.Logger) (Backend, error)

// ListFunc enumerates the outputs a backend can capture.
type ListFunc func() ([]types.ScreenInfo, error)

type driver struct {
	open OpenFunc
	list ListFunc
}

var (
	driversMu sync.RWMutex
	drivers   = map[platform.Desktop]driver{}
)

// Register makes a backend available for desktop d. Backends call it from
// init; a later registration replaces an earlier one.
func Register(d platform.Desktop, open OpenFunc, list ListFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d] = driver{open: open, list: list}
}

func lookup(d platform.Desktop) (driver, error) {
	if d == platform.DesktopUnknown {
		d = platform.Detect()
	}
	driversMu.RLock()
	drv, ok := drivers[d]
	driversMu.RUnlock()
	if !ok {
		return driver{}, fmt.Errorf("%w: %s is not built into this binary", ErrBackendUnavailable, d)
	}
	return drv, nil
}

// ListScreens enumerates outputs of desktop d, detecting it when unknown.
func ListScreens(d platform.Desktop) ([]types.ScreenInfo, error) {
	drv, err := lookup(d)
	if err != nil {
		return nil, err
	}
	return drv.list()
}

// Source is an opened output ready for single captures or streaming.
type Source struct {
	backend       Backend
	name          string
	includeCursor bool
	fps           int
	logger        *zap.Logger

	// pacing hooks, replaced in tests
	now   func() time.Time
	sleep func(sig *lifecycle.Signal, d time.Duration) bool
	spin  time.Duration
}

// Open selects the backend for desktop d and opens the named output.
func Open(d platform.Desktop, name string, includeCursor bool, fps int, logger *zap.Logger) (*Source, error) {
	drv, err := lookup(d)
	if err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).Named("capture")
	b, err := drv.open(name, includeCursor, fps, logger)
	if err != nil {
		return nil, err
	}
	w, h := b.Size()
	logger.Info("output opened", zap.String("name", name), zap.Int("width", w), zap.Int("height", h))
	s := NewSource(b, fps, logger)
	s.name = name
	s.includeCursor = includeCursor
	return s, nil
}

// NewSource wraps an already opened backend.
func NewSource(b Backend, fps int, logger *zap.Logger) *Source {
	return &Source{
		backend: b,
		fps:     fps,
		logger:  logging.OrNop(logger),
		now:     time.Now,
		sleep:   func(sig *lifecycle.Signal, d time.Duration) bool { return sig.Sleep(d) },
		spin:    time.Millisecond,
	}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Size() (int, int) { return s.backend.Size() }

// CaptureOnce grabs one frame, reinitializing once on a recoverable error.
func (s *Source) CaptureOnce(includeCursor bool) (*types.PixelBuffer, error) {
	buf, err := s.backend.CaptureOnce(includeCursor)
	if err == nil || !Recoverable(err) {
		return buf, err
	}
	if rerr := s.backend.Reinit(); rerr != nil {
		return nil, fmt.Errorf("reinit after %v: %w", err, rerr)
	}
	return s.backend.CaptureOnce(includeCursor)
}

func (s *Source) Close() { s.backend.Close() }

// StreamConfig selects what Stream delivers.
type StreamConfig struct {
	// Name must match the opened output when set.
	Name          string
	IncludeCursor bool
	// FPS overrides the rate the source was opened with.
	FPS    int
	Cancel *lifecycle.Signal
	// Epoch is the session clock zero shared with the audio sources. Zero
	// means timestamps start at the first frame.
	Epoch time.Time
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Stream captures paced frames into out until cancelled or the backend
// ends. Pushing never blocks: a full queue evicts its oldest frame. The
// queue is not closed on return.
func (s *Source) Stream(cfg StreamConfig, out *queue.Queue[*types.PixelBuffer]) (lifecycle.Reason, error) {
	if cfg.Cancel == nil {
		return lifecycle.Failed, errors.New("capture: stream needs a cancel signal")
	}
	if cfg.Name != "" && s.name != "" && cfg.Name != s.name {
		return lifecycle.Failed, fmt.Errorf("%w: source is bound to %q, not %q", ErrNoOutput, s.name, cfg.Name)
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = s.fps
	}
	if fps <= 0 {
		fps = DefaultFPS
	}

	pacer := newPacer(fps, cfg.Cancel)
	pacer.now, pacer.sleep, pacer.spin = s.now, s.sleep, s.spin
	pacer.epoch = cfg.Epoch

	var (
		index       uint64
		resets      int
		dropLimit   logging.Limiter
		missedLimit logging.Limiter
	)
	s.logger.Debug("stream started", zap.Int("fps", fps), zap.Bool("cursor", cfg.IncludeCursor))
	for {
		if cfg.Cancel.Cancelled() {
			return lifecycle.Stopped, nil
		}
		ts, skipped, ok := pacer.Wait()
		if !ok {
			return lifecycle.Stopped, nil
		}
		if skipped > 0 {
			cfg.Metrics.Missed(uint64(skipped))
		}
		if skipped > 0 && missedLimit.Allow(time.Second) {
			s.logger.Warn("missed capture deadlines",
				zap.Int("skipped", skipped), zap.Uint64("missed_total", pacer.Missed()))
		}

		start := s.now()
		buf, err := s.backend.CaptureOnce(cfg.IncludeCursor)
		switch {
		case err == nil:
			resets = 0
			cfg.Metrics.ObserveCapture(s.now().Sub(start).Seconds())
		case Recoverable(err):
			resets++
			cfg.Metrics.Reinit()
			if resets > maxResets {
				return lifecycle.Failed, fmt.Errorf("%d consecutive resets: %w", maxResets, err)
			}
			s.logger.Warn("capture session lost, reinitializing", zap.Error(err))
			if rerr := s.backend.Reinit(); rerr != nil {
				return lifecycle.Failed, fmt.Errorf("reinit: %w", rerr)
			}
			continue
		case errors.Is(err, ErrUnexpectedEOF):
			s.logger.Info("capture stream ended", zap.Error(err))
			return lifecycle.Finished, nil
		case errors.Is(err, lifecycle.ErrCancelled):
			return lifecycle.Stopped, nil
		default:
			return lifecycle.Failed, err
		}

		buf.Index = index
		buf.Timestamp = ts
		index++

		before := out.Dropped()
		if !out.Push(buf) {
			// consumer closed the queue
			return lifecycle.Stopped, nil
		}
		cfg.Metrics.FrameCaptured()
		if out.Dropped() != before && dropLimit.Allow(time.Second) {
			s.logger.Warn("consumer behind, dropped oldest frame", zap.Uint64("dropped_total", out.Dropped()))
		}
	}
}

// MeasureMean averages the latency of n single captures.
func MeasureMean(s *Source, n int, includeCursor bool) (time.Duration, error) {
	if n <= 0 {
		return 0, fmt.Errorf("capture: sample count must be positive, got %d", n)
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := s.CaptureOnce(includeCursor); err != nil {
			return 0, err
		}
		total += time.Since(start)
	}
	return total / time.Duration(n), nil
}

// swapRB converts BGRA rows to RGBA in place.
func swapRB(buf *types.PixelBuffer) {
	for y := 0; y < buf.Height; y++ {
		row := buf.Row(y)
		for i := 0; i+3 < len(row); i += 4 {
			row[i], row[i+2] = row[i+2], row[i]
		}
	}
	if buf.Format == types.PixelFormatBGRA8 {
		buf.Format = types.PixelFormatRGBA8
	}
}

// flipRows reverses row order in place.
func flipRows(buf *types.PixelBuffer) {
	tmp := make([]byte, buf.Stride)
	for top, bot := 0, buf.Height-1; top < bot; top, bot = top+1, bot-1 {
		a := buf.Data[top*buf.Stride : (top+1)*buf.Stride]
		b := buf.Data[bot*buf.Stride : (bot+1)*buf.Stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

// opaque sets the alpha byte of every 32-bit pixel, for X-formats whose
// padding byte is undefined.
func opaque(buf *types.PixelBuffer) {
	for y := 0; y < buf.Height; y++ {
		row := buf.Row(y)
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}

func cloneBuffer(b *types.PixelBuffer) *types.PixelBuffer {
	c := *b
	c.Data = append([]byte(nil), b.Data...)
	return &c
}
