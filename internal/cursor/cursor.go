package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/types"
)

// ErrNoPoller is returned when the desktop offers no way to read the pointer.
var ErrNoPoller = errors.New("cursor: no position source for this desktop")

// Poller reads the global pointer position in desktop coordinates.
type Poller interface {
	Position() (x, y int, err error)
	Close()
}

// Tracker wraps the transition function with the last emitted rect and the
// stale-sample rule.
type Tracker struct {
	cfg      Config
	state    State
	interval time.Duration
	lastAt   time.Time
}

// NewTracker returns a tracker for frames spaced interval apart.
func NewTracker(cfg Config, interval time.Duration) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, state: NewState(cfg), interval: interval}, nil
}

// Next returns the rect for the frame captured at now. A nil or stale sample
// repeats the previous rect.
func (t *Tracker) Next(sample *types.CursorSample, now time.Time) types.CropRect {
	if sample == nil || (!t.lastAt.IsZero() && !sample.At.After(t.lastAt) && now.Sub(sample.At) > t.interval) {
		return t.state.Rect
	}
	t.lastAt = sample.At
	var rect types.CropRect
	t.state, rect = Step(t.cfg, t.state, *sample, now)
	return rect
}

func (t *Tracker) Phase() Phase { return t.state.Phase }

// Latest holds the most recent pointer sample. Readers never block the poller.
type Latest struct {
	mu     sync.Mutex
	sample types.CursorSample
	ok     bool
}

func (l *Latest) Store(s types.CursorSample) {
	l.mu.Lock()
	l.sample, l.ok = s, true
	l.mu.Unlock()
}

// Load returns the newest sample, or nil before the first one.
func (l *Latest) Load() *types.CursorSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ok {
		return nil
	}
	s := l.sample
	return &s
}

// Region maps desktop coordinates into the captured output's pixels.
type Region struct {
	OriginX, OriginY int
	Scale            float64
}

// Poll reads p every interval until ctx is done, storing samples relative to
// region into dst. Errors are logged at most once per second.
func Poll(ctx context.Context, p Poller, interval time.Duration, region Region, dst *Latest, logger *zap.Logger) {
	if region.Scale <= 0 {
		region.Scale = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastErr time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			x, y, err := p.Position()
			if err != nil {
				if logger != nil && now.Sub(lastErr) >= time.Second {
					logger.Warn("cursor poll failed", zap.Error(err))
					lastErr = now
				}
				continue
			}
			dst.Store(types.CursorSample{
				X:  int(float64(x-region.OriginX) * region.Scale),
				Y:  int(float64(y-region.OriginY) * region.Scale),
				At: now,
			})
		}
	}
}
