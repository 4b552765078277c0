package cursor

import (
	"math"
	"testing"
	"time"

	"reelcast/internal/types"
)

const frame = 40 * time.Millisecond

func scenarioConfig() Config {
	cfg := DefaultConfig(1920, 1080)
	cfg.TargetWidth, cfg.TargetHeight = 400, 300
	cfg.FastMovingDuration = 3 * time.Second
	cfg.LinearTransitionDuration = time.Second
	cfg.MaxStableRegionDuration = 5 * time.Second
	return cfg
}

type stepper struct {
	t     *testing.T
	cfg   Config
	state State
	start time.Time
	i     int
}

func newStepper(t *testing.T, cfg Config) *stepper {
	return &stepper{t: t, cfg: cfg, state: NewState(cfg), start: time.Unix(1000, 0)}
}

func (s *stepper) elapsed() time.Duration { return time.Duration(s.i) * frame }

func (s *stepper) step(x, y float64) types.CropRect {
	now := s.start.Add(s.elapsed())
	var r types.CropRect
	s.state, r = Step(s.cfg, s.state, types.CursorSample{X: int(math.Round(x)), Y: int(math.Round(y)), At: now}, now)
	s.i++
	if !r.Within(s.cfg.ScreenWidth, s.cfg.ScreenHeight) {
		s.t.Fatalf("at %v rect %+v leaves %dx%d screen", s.elapsed(), r, s.cfg.ScreenWidth, s.cfg.ScreenHeight)
	}
	if r.Width%2 != 0 || r.Height%2 != 0 {
		s.t.Fatalf("at %v rect %+v has odd size", s.elapsed(), r)
	}
	return r
}

func isFull(cfg Config, r types.CropRect) bool {
	return r.X == 0 && r.Y == 0 && r.Width == cfg.ScreenWidth && r.Height == cfg.ScreenHeight
}

func contains(r types.CropRect, x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

func TestJitterThenCircleScenario(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	s := newStepper(t, cfg)

	// Jitter within 10 px of the centre for 4 s.
	for s.elapsed() < 4*time.Second {
		dx := float64(s.i*7%15 - 7)
		dy := float64(s.i*11%15 - 7)
		at := s.elapsed()
		r := s.step(960+dx, 540+dy)
		if at < 3*time.Second && !isFull(cfg, r) {
			t.Fatalf("at %v rect %+v, want full screen before settle", at, r)
		}
	}
	if s.state.Phase != FastMoving {
		t.Fatalf("phase after jitter = %v, want fast-moving", s.state.Phase)
	}

	// Circle at 300 px radius for 2 s.
	for s.elapsed() < 6*time.Second {
		at := s.elapsed()
		theta := 2 * math.Pi * float64(at-4*time.Second) / float64(2*time.Second)
		r := s.step(960+300*math.Cos(theta), 540+300*math.Sin(theta))
		if r.Width != 400 || r.Height != 300 {
			t.Fatalf("at %v rect %+v, want target size while circling", at, r)
		}
		if at == 4*time.Second && !contains(r, 960, 540) {
			t.Fatalf("converged rect %+v does not contain the centre", r)
		}
	}
	if s.state.Phase == Idle || s.state.Phase == ZoomingOut {
		t.Fatalf("phase after circling = %v", s.state.Phase)
	}
}

func TestStableIgnoresFastMotionInsideRadius(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	cfg.FastMovingDuration = 200 * time.Millisecond
	s := newStepper(t, cfg)

	for s.state.Phase != Stable {
		s.step(960, 540)
		if s.elapsed() > 5*time.Second {
			t.Fatal("never reached stable")
		}
	}
	end := s.elapsed() + 2*cfg.MaxStableRegionDuration
	for s.elapsed() < end {
		x := 960.0 + 25
		if s.i%2 == 0 {
			x = 960 - 25
		}
		r := s.step(x, 540)
		if r.Width != 400 || r.Height != 300 {
			t.Fatalf("at %v rect %+v, zoomed out on motion inside the stable radius", s.elapsed(), r)
		}
	}
}

func TestPersistentDepartureZoomsOut(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	cfg.FastMovingDuration = 200 * time.Millisecond
	s := newStepper(t, cfg)
	for s.state.Phase != Stable {
		s.step(960, 540)
	}

	start := s.elapsed()
	sawFull := false
	for s.elapsed() < start+8*time.Second {
		theta := 2 * math.Pi * float64(s.elapsed()-start) / float64(2*time.Second)
		r := s.step(960+300*math.Cos(theta), 540+300*math.Sin(theta))
		if s.elapsed()-start < cfg.MaxStableRegionDuration && r.Width != 400 {
			t.Fatalf("zoomed out after only %v", s.elapsed()-start)
		}
		if isFull(cfg, r) {
			sawFull = true
		}
	}
	if !sawFull {
		t.Fatal("never returned to full screen after persistent departure")
	}
}

func TestTargetLargerThanScreenIsClamped(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(800, 600)
	s := newStepper(t, cfg)
	for i := 0; i < 100; i++ {
		r := s.step(float64(10+i*7), 590)
		if r.Width > 800 || r.Height > 600 {
			t.Fatalf("rect %+v larger than screen", r)
		}
		if !contains(r, 10+i*7, 590) {
			t.Fatalf("rect %+v lost the cursor", r)
		}
	}
}

func TestRepositionKeepsCursorInView(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	cfg.FastMovingDuration = 200 * time.Millisecond
	s := newStepper(t, cfg)
	for s.state.Phase != Stable {
		s.step(300, 300)
	}
	// Walk right slowly enough to never settle away from the anchor for long.
	x := 300.0
	for i := 0; i < 25; i++ {
		x += 20
		s.step(x, 300)
	}
	// Let the reposition finish.
	for i := 0; i < 5; i++ {
		s.step(x, 300)
	}
	if !contains(s.state.Rect, int(x), 300) {
		t.Fatalf("rect %+v does not contain cursor at %.0f,300", s.state.Rect, x)
	}
	if s.state.Rect.Width != 400 {
		t.Fatalf("rect %+v not at target size", s.state.Rect)
	}
}

func TestEasing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		e    Easing
		in   float64
		want float64
	}{
		{Linear, 0.5, 0.5},
		{EaseIn, 0.5, 0.25},
		{EaseOut, 0.5, 0.75},
		{EaseIn, 2, 1},
		{EaseOut, -1, 0},
	}
	for _, c := range cases {
		if got := c.e.Apply(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%v(%v) = %v, want %v", c.e, c.in, got, c.want)
		}
	}
	if _, err := ParseEasing("bounce"); err == nil {
		t.Error("expected error for unknown easing")
	}
}

func TestTrackerReusesRectWithoutSample(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	cfg.FastMovingDuration = 0
	tr, err := NewTracker(cfg, frame)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(0, 0)
	first := tr.Next(&types.CursorSample{X: 100, Y: 100, At: now}, now)
	got := tr.Next(nil, now.Add(time.Second))
	if got != first {
		t.Fatalf("rect drifted without input: %+v -> %+v", first, got)
	}
}
