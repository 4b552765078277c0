// Package cursor decides, per frame, which part of the screen to keep so the
// recording follows the mouse.
//
// The tracker starts at full screen. Once the pointer settles it zooms in on
// the settle point, follows the pointer with short reposition moves while it
// stays near the edges, and only zooms back out when the pointer keeps away
// from the settle point for longer than MaxStableRegionDuration.
package cursor

import (
	"fmt"
	"math"
	"time"

	"reelcast/internal/types"
)

// Phase is the tracker state.
type Phase int

const (
	Idle Phase = iota
	FastMoving
	Stable
	RepositionEdge
	ZoomingOut
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case FastMoving:
		return "fast-moving"
	case Stable:
		return "stable"
	case RepositionEdge:
		return "reposition-edge"
	case ZoomingOut:
		return "zooming-out"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Easing selects the curve applied to transition progress.
type Easing int

const (
	Linear Easing = iota
	EaseIn
	EaseOut
)

func (e Easing) String() string {
	switch e {
	case Linear:
		return "linear"
	case EaseIn:
		return "ease-in"
	case EaseOut:
		return "ease-out"
	}
	return fmt.Sprintf("Easing(%d)", int(e))
}

// ParseEasing accepts "linear", "ease-in" and "ease-out".
func ParseEasing(s string) (Easing, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "ease-in", "easein":
		return EaseIn, nil
	case "ease-out", "easeout":
		return EaseOut, nil
	}
	return Linear, fmt.Errorf("unknown transition type %q", s)
}

// Apply maps t in [0,1] through the curve.
func (e Easing) Apply(t float64) float64 {
	t = math.Max(0, math.Min(1, t))
	switch e {
	case EaseIn:
		return t * t
	case EaseOut:
		return 1 - (1-t)*(1-t)
	}
	return t
}

type Config struct {
	ScreenWidth  int
	ScreenHeight int
	TargetWidth  int
	TargetHeight int

	DebounceRadius               float64
	StableRadius                 float64
	FastMovingDuration           time.Duration
	LinearTransitionDuration     time.Duration
	RepositionEdgeThreshold      float64
	RepositionTransitionDuration time.Duration
	MaxStableRegionDuration      time.Duration
	ZoomIn                       Easing
	ZoomOut                      Easing
}

// DefaultConfig returns the stock parameters for a screen of the given size.
func DefaultConfig(screenW, screenH int) Config {
	return Config{
		ScreenWidth:                  screenW,
		ScreenHeight:                 screenH,
		TargetWidth:                  1280,
		TargetHeight:                 720,
		DebounceRadius:               30,
		StableRadius:                 30,
		FastMovingDuration:           100 * time.Millisecond,
		LinearTransitionDuration:     time.Second,
		RepositionEdgeThreshold:      0.15,
		RepositionTransitionDuration: 100 * time.Millisecond,
		MaxStableRegionDuration:      5 * time.Second,
		ZoomIn:                       EaseIn,
		ZoomOut:                      EaseOut,
	}
}

func (c Config) Validate() error {
	if c.ScreenWidth < 2 || c.ScreenHeight < 2 {
		return fmt.Errorf("cursor: invalid screen size %dx%d", c.ScreenWidth, c.ScreenHeight)
	}
	if c.TargetWidth < 2 || c.TargetHeight < 2 {
		return fmt.Errorf("cursor: invalid target size %dx%d", c.TargetWidth, c.TargetHeight)
	}
	if c.RepositionEdgeThreshold < 0 || c.RepositionEdgeThreshold >= 0.5 {
		return fmt.Errorf("cursor: reposition edge threshold %.2f outside [0, 0.5)", c.RepositionEdgeThreshold)
	}
	if c.DebounceRadius < 0 || c.StableRadius < 0 {
		return fmt.Errorf("cursor: negative radius")
	}
	return nil
}

// targetSize clamps the target to the screen and rounds it down to even.
func (c Config) targetSize() (int, int) {
	return even(min(c.TargetWidth, c.ScreenWidth)), even(min(c.TargetHeight, c.ScreenHeight))
}

// State is the complete tracker memory. The zero value is not usable; start
// from NewState.
type State struct {
	Phase Phase
	Rect  types.CropRect

	// Anchor is the settle point the zoomed view was opened on.
	AnchorX, AnchorY float64
	// DepartedAt is when the pointer last left StableRadius around the anchor.
	DepartedAt time.Time

	// settle candidate tracking
	SettleX, SettleY float64
	SettleSince      time.Time

	// active transition
	From       types.CropRect
	To         types.CropRect
	TransStart time.Time
}

// NewState returns the Idle state showing the full screen.
func NewState(cfg Config) State {
	full := types.CropRect{Width: even(cfg.ScreenWidth), Height: even(cfg.ScreenHeight)}
	return State{Phase: Idle, Rect: full, SettleX: -1, SettleY: -1}
}

// Step is the transition function. It returns the new state and the rect to
// use for the frame captured at now.
func Step(cfg Config, s State, sample types.CursorSample, now time.Time) (State, types.CropRect) {
	px := clampF(float64(sample.X), 0, float64(cfg.ScreenWidth-1))
	py := clampF(float64(sample.Y), 0, float64(cfg.ScreenHeight-1))
	tw, th := cfg.targetSize()

	// Settle tracking runs in every phase.
	if s.SettleSince.IsZero() || dist(px, py, s.SettleX, s.SettleY) > cfg.DebounceRadius {
		s.SettleX, s.SettleY = px, py
		s.SettleSince = now
	}
	settled := now.Sub(s.SettleSince) >= cfg.FastMovingDuration

	switch s.Phase {
	case Idle:
		s.Rect = fullRect(cfg)
		if settled {
			s.AnchorX, s.AnchorY = s.SettleX, s.SettleY
			s.DepartedAt = time.Time{}
			s = s.begin(FastMoving, centeredRect(cfg, s.AnchorX, s.AnchorY, tw, th), now)
			s.Rect = s.From
		}

	case FastMoving:
		s.trackDeparture(cfg, px, py, now)
		t := progress(now, s.TransStart, cfg.LinearTransitionDuration)
		s.Rect = lerpRect(cfg, s.From, s.To, cfg.ZoomIn.Apply(t))
		if t >= 1 {
			s.Phase = Stable
			s.Rect = s.To
		}

	case Stable:
		s.trackDeparture(cfg, px, py, now)
		if settled && dist(s.SettleX, s.SettleY, s.AnchorX, s.AnchorY) > cfg.StableRadius {
			s.AnchorX, s.AnchorY = s.SettleX, s.SettleY
			s.DepartedAt = time.Time{}
		}
		if s.departedTooLong(cfg, now) {
			s = s.begin(ZoomingOut, fullRect(cfg), now)
			break
		}
		if next, ok := repositionTarget(cfg, s.Rect, px, py); ok {
			s = s.begin(RepositionEdge, next, now)
		}

	case RepositionEdge:
		s.trackDeparture(cfg, px, py, now)
		if s.departedTooLong(cfg, now) {
			s = s.begin(ZoomingOut, fullRect(cfg), now)
			break
		}
		t := progress(now, s.TransStart, cfg.RepositionTransitionDuration)
		s.Rect = lerpRect(cfg, s.From, s.To, t)
		if t >= 1 {
			s.Rect = s.To
			s.Phase = Stable
			if next, ok := repositionTarget(cfg, s.Rect, px, py); ok {
				s = s.begin(RepositionEdge, next, now)
			}
		}

	case ZoomingOut:
		t := progress(now, s.TransStart, cfg.LinearTransitionDuration)
		s.Rect = lerpRect(cfg, s.From, s.To, cfg.ZoomOut.Apply(t))
		if t >= 1 {
			s.Phase = Idle
			s.Rect = fullRect(cfg)
			s.SettleX, s.SettleY = px, py
			s.SettleSince = now
		}
	}

	return s, s.Rect
}

func (s State) begin(p Phase, to types.CropRect, now time.Time) State {
	s.Phase = p
	s.From = s.Rect
	s.To = to
	s.TransStart = now
	return s
}

func (s *State) trackDeparture(cfg Config, px, py float64, now time.Time) {
	if dist(px, py, s.AnchorX, s.AnchorY) <= cfg.StableRadius {
		s.DepartedAt = time.Time{}
		return
	}
	if s.DepartedAt.IsZero() {
		s.DepartedAt = now
	}
}

func (s State) departedTooLong(cfg Config, now time.Time) bool {
	return !s.DepartedAt.IsZero() && now.Sub(s.DepartedAt) >= cfg.MaxStableRegionDuration
}

// repositionTarget returns a rect recentred on the pointer when it is within
// the edge band of r. ok is false when no move is needed or possible.
func repositionTarget(cfg Config, r types.CropRect, px, py float64) (types.CropRect, bool) {
	mx := cfg.RepositionEdgeThreshold * float64(r.Width)
	my := cfg.RepositionEdgeThreshold * float64(r.Height)
	x0, y0 := float64(r.X), float64(r.Y)
	x1, y1 := x0+float64(r.Width), y0+float64(r.Height)
	if px >= x0+mx && px <= x1-mx && py >= y0+my && py <= y1-my {
		return r, false
	}
	next := centeredRect(cfg, px, py, r.Width, r.Height)
	if next == r {
		return r, false
	}
	return next, true
}

func fullRect(cfg Config) types.CropRect {
	return types.CropRect{Width: even(cfg.ScreenWidth), Height: even(cfg.ScreenHeight)}
}

// centeredRect returns a w×h rect centred on (cx, cy) and shifted inside the screen.
func centeredRect(cfg Config, cx, cy float64, w, h int) types.CropRect {
	w, h = even(min(w, cfg.ScreenWidth)), even(min(h, cfg.ScreenHeight))
	x := int(math.Round(cx - float64(w)/2))
	y := int(math.Round(cy - float64(h)/2))
	return clampRect(cfg, types.CropRect{X: x, Y: y, Width: w, Height: h})
}

func lerpRect(cfg Config, a, b types.CropRect, t float64) types.CropRect {
	l := func(p, q int) float64 { return float64(p) + (float64(q)-float64(p))*t }
	w := even(int(math.Round(l(a.Width, b.Width))))
	h := even(int(math.Round(l(a.Height, b.Height))))
	// Interpolate the centre so size changes stay symmetric.
	cx := l(a.X, b.X) + l(a.Width, b.Width)/2
	cy := l(a.Y, b.Y) + l(a.Height, b.Height)/2
	return centeredRect(cfg, cx, cy, w, h)
}

func clampRect(cfg Config, r types.CropRect) types.CropRect {
	r.Width = max(2, min(r.Width, even(cfg.ScreenWidth)))
	r.Height = max(2, min(r.Height, even(cfg.ScreenHeight)))
	r.X = max(0, min(r.X, cfg.ScreenWidth-r.Width))
	r.Y = max(0, min(r.Y, cfg.ScreenHeight-r.Height))
	return r
}

func progress(now, start time.Time, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return math.Min(1, float64(now.Sub(start))/float64(d))
}

func even(v int) int {
	if v < 2 {
		return 2
	}
	return v &^ 1
}

func dist(ax, ay, bx, by float64) float64 {
	return math.Hypot(ax-bx, ay-by)
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
