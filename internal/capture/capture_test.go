package capture

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/lifecycle"
	"reelcast/internal/platform"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(sig *lifecycle.Signal, d time.Duration) bool {
	if sig.Cancelled() {
		return false
	}
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return true
}

// fakeBackend returns a frame for every nil entry of errs, the error
// otherwise, and ErrUnexpectedEOF once errs is exhausted.
type fakeBackend struct {
	errs      []error
	calls     int
	reinits   int
	closed    bool
	onCapture func(call int)
}

func (f *fakeBackend) CaptureOnce(bool) (*types.PixelBuffer, error) {
	i := f.calls
	f.calls++
	if f.onCapture != nil {
		f.onCapture(i)
	}
	if i >= len(f.errs) {
		return nil, ErrUnexpectedEOF
	}
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return types.NewPixelBuffer(4, 2, types.PixelFormatBGRA8), nil
}

func (f *fakeBackend) Reinit() error    { f.reinits++; return nil }
func (f *fakeBackend) Size() (int, int) { return 4, 2 }
func (f *fakeBackend) Close()           { f.closed = true }

func newTestSource(b Backend, fps int) (*Source, *fakeClock) {
	clock := newFakeClock()
	s := NewSource(b, fps, nil)
	s.now, s.sleep, s.spin = clock.now, clock.sleep, 0
	return s, clock
}

func frames(n int) []error { return make([]error, n) }

func drain(q *queue.Queue[*types.PixelBuffer]) []*types.PixelBuffer {
	var out []*types.PixelBuffer
	for {
		v, ok, _ := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestPacerSpacing(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newPacer(25, lifecycle.NewSignal())
	p.now, p.sleep, p.spin = clock.now, clock.sleep, 0

	for i := 0; i < 5; i++ {
		ts, skipped, ok := p.Wait()
		if !ok || skipped != 0 {
			t.Fatalf("wait %d: ok=%v skipped=%d", i, ok, skipped)
		}
		if want := time.Duration(i) * 40 * time.Millisecond; ts != want {
			t.Fatalf("wait %d: ts %v, want %v", i, ts, want)
		}
	}
	if len(clock.slept) != 4 {
		t.Fatalf("slept %d times, want 4", len(clock.slept))
	}
	for _, d := range clock.slept {
		if d != 40*time.Millisecond {
			t.Fatalf("slept %v, want 40ms", d)
		}
	}
}

func TestPacerSkipsMissedSlotsWithoutBursting(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newPacer(25, lifecycle.NewSignal())
	p.now, p.sleep, p.spin = clock.now, clock.sleep, 0

	p.Wait()
	clock.t = clock.t.Add(130 * time.Millisecond)

	ts, skipped, ok := p.Wait()
	if !ok || skipped != 2 || ts != 120*time.Millisecond {
		t.Fatalf("late wait: ts=%v skipped=%d ok=%v", ts, skipped, ok)
	}
	if len(clock.slept) != 0 {
		t.Fatalf("late frame should not sleep, slept %v", clock.slept)
	}

	ts, skipped, _ = p.Wait()
	if skipped != 0 || ts != 160*time.Millisecond {
		t.Fatalf("next wait: ts=%v skipped=%d", ts, skipped)
	}
	if clock.slept[0] != 30*time.Millisecond {
		t.Fatalf("slept %v, want 30ms", clock.slept[0])
	}
	if p.Missed() != 2 {
		t.Fatalf("missed %d, want 2", p.Missed())
	}
}

func TestStreamTimestampsCountFromEpoch(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: frames(3)}
	s, clock := newTestSource(b, 25)
	epoch := clock.t
	// setup between the session start and the first capture
	clock.t = clock.t.Add(750 * time.Millisecond)

	out := queue.New[*types.PixelBuffer](8, nil)
	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal(), Epoch: epoch}, out)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Stream() = %s, %v", reason, err)
	}
	got := drain(out)
	if len(got) != 3 {
		t.Fatalf("got %d frames", len(got))
	}
	for i, f := range got {
		if want := 750*time.Millisecond + time.Duration(i)*40*time.Millisecond; f.Timestamp != want {
			t.Fatalf("frame %d at %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestPacerLateWithinSlotDeliversImmediately(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newPacer(10, lifecycle.NewSignal())
	p.now, p.sleep, p.spin = clock.now, clock.sleep, 0

	p.Wait()
	clock.t = clock.t.Add(150 * time.Millisecond)
	ts, skipped, _ := p.Wait()
	if skipped != 0 || ts != 100*time.Millisecond {
		t.Fatalf("ts=%v skipped=%d", ts, skipped)
	}
}

func TestPacerCancelled(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	sig := lifecycle.NewSignal()
	p := newPacer(25, sig)
	p.now, p.sleep, p.spin = clock.now, clock.sleep, 0

	p.Wait()
	sig.Cancel()
	if _, _, ok := p.Wait(); ok {
		t.Fatal("wait after cancel should fail")
	}
}

func TestStreamDeliversIndexedFrames(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: frames(3)}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](8, nil)

	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, q)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("reason=%v err=%v, want finished", reason, err)
	}
	got := drain(q)
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	for i, f := range got {
		if f.Index != uint64(i) {
			t.Errorf("frame %d has index %d", i, f.Index)
		}
		if want := time.Duration(i) * 40 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d timestamp %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestStreamUsesConfigFPS(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: frames(2)}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](8, nil)

	s.Stream(StreamConfig{FPS: 10, Cancel: lifecycle.NewSignal()}, q)
	got := drain(q)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[1].Timestamp != 100*time.Millisecond {
		t.Fatalf("second frame at %v, want 100ms", got[1].Timestamp)
	}
}

func TestStreamReinitializesOnAccessLost(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: []error{nil, ErrAccessLost, nil}}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](8, nil)

	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, q)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("reason=%v err=%v", reason, err)
	}
	if b.reinits != 1 {
		t.Fatalf("reinits %d, want 1", b.reinits)
	}
	got := drain(q)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[1].Index != 1 || got[1].Timestamp != 80*time.Millisecond {
		t.Fatalf("frame after reinit: index %d ts %v", got[1].Index, got[1].Timestamp)
	}
}

func TestStreamGivesUpAfterRepeatedResets(t *testing.T) {
	t.Parallel()
	errs := make([]error, maxResets+1)
	for i := range errs {
		errs[i] = ErrResetRequired
	}
	b := &fakeBackend{errs: errs}
	s, _ := newTestSource(b, 25)

	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, queue.New[*types.PixelBuffer](1, nil))
	if reason != lifecycle.Failed || !errors.Is(err, ErrResetRequired) {
		t.Fatalf("reason=%v err=%v", reason, err)
	}
	if b.reinits != maxResets {
		t.Fatalf("reinits %d, want %d", b.reinits, maxResets)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	t.Parallel()
	sig := lifecycle.NewSignal()
	b := &fakeBackend{errs: frames(10)}
	b.onCapture = func(call int) {
		if call == 2 {
			sig.Cancel()
		}
	}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](8, nil)

	reason, err := s.Stream(StreamConfig{Cancel: sig}, q)
	if err != nil || reason != lifecycle.Stopped {
		t.Fatalf("reason=%v err=%v", reason, err)
	}
	if n := len(drain(q)); n != 3 {
		t.Fatalf("got %d frames, want 3", n)
	}
}

func TestStreamDropsOldestWhenConsumerIsBehind(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: frames(5)}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](2, nil)

	s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, q)
	if q.Dropped() != 3 {
		t.Fatalf("dropped %d, want 3", q.Dropped())
	}
	got := drain(q)
	if len(got) != 2 || got[0].Index != 3 || got[1].Index != 4 {
		t.Fatalf("queue kept wrong frames: %+v", got)
	}
}

func TestStreamFailsOnBackendError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	b := &fakeBackend{errs: []error{nil, boom}}
	s, _ := newTestSource(b, 25)

	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, queue.New[*types.PixelBuffer](4, nil))
	if reason != lifecycle.Failed || !errors.Is(err, boom) {
		t.Fatalf("reason=%v err=%v", reason, err)
	}
}

func TestStreamStopsWhenQueueClosed(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: frames(5)}
	s, _ := newTestSource(b, 25)
	q := queue.New[*types.PixelBuffer](4, nil)
	q.Close()

	reason, err := s.Stream(StreamConfig{Cancel: lifecycle.NewSignal()}, q)
	if err != nil || reason != lifecycle.Stopped || b.calls != 1 {
		t.Fatalf("reason=%v err=%v calls=%d", reason, err, b.calls)
	}
}

func TestStreamRejectsOtherOutput(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(&fakeBackend{}, 25)
	s.name = "DP-1"
	_, err := s.Stream(StreamConfig{Name: "HDMI-A-1", Cancel: lifecycle.NewSignal()}, queue.New[*types.PixelBuffer](1, nil))
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err=%v, want ErrNoOutput", err)
	}
}

func TestCaptureOnceRetriesAfterReset(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{errs: []error{ErrResetRequired, nil}}
	s, _ := newTestSource(b, 25)
	buf, err := s.CaptureOnce(false)
	if err != nil || buf == nil || b.reinits != 1 {
		t.Fatalf("buf=%v err=%v reinits=%d", buf, err, b.reinits)
	}
}

func TestMeasureMean(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(&fakeBackend{errs: frames(4)}, 25)
	if _, err := MeasureMean(s, 4, false); err != nil {
		t.Fatal(err)
	}
	if _, err := MeasureMean(s, 1, false); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("exhausted backend: err=%v", err)
	}
	if _, err := MeasureMean(s, 0, false); err == nil {
		t.Fatal("zero samples should fail")
	}
}

func TestOpenUnregisteredBackend(t *testing.T) {
	t.Parallel()
	_, err := Open(platform.Desktop(99), "", false, 25, nil)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err=%v, want ErrBackendUnavailable", err)
	}
}

func TestRegisteredBackendOpensAndLists(t *testing.T) {
	t.Parallel()
	d := platform.Desktop(100)
	b := &fakeBackend{errs: frames(1)}
	Register(d, func(name string, _ bool, _ int, _ *zap.Logger) (Backend, error) {
		if name != "fake-0" {
			return nil, ErrNoOutput
		}
		return b, nil
	}, func() ([]types.ScreenInfo, error) {
		return []types.ScreenInfo{{Name: "fake-0"}}, nil
	})

	screens, err := ListScreens(d)
	if err != nil || len(screens) != 1 || screens[0].Name != "fake-0" {
		t.Fatalf("screens=%v err=%v", screens, err)
	}
	if _, err := Open(d, "fake-1", false, 25, nil); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err=%v, want ErrNoOutput", err)
	}
	s, err := Open(d, "fake-0", false, 25, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "fake-0" {
		t.Fatalf("name %q", s.Name())
	}
	s.Close()
	if !b.closed {
		t.Fatal("backend not closed")
	}
}

func TestSwapRBAndFlip(t *testing.T) {
	t.Parallel()
	buf := types.NewPixelBuffer(1, 2, types.PixelFormatBGRA8)
	copy(buf.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	swapRB(buf)
	if buf.Format != types.PixelFormatRGBA8 {
		t.Fatalf("format %v", buf.Format)
	}
	flipRows(buf)
	want := []byte{7, 6, 5, 8, 3, 2, 1, 4}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("data %v, want %v", buf.Data, want)
		}
	}
	opaque(buf)
	if buf.Data[3] != 0xff || buf.Data[7] != 0xff {
		t.Fatalf("alpha not set: %v", buf.Data)
	}
}

func TestParseWlrRandr(t *testing.T) {
	t.Parallel()
	data := []byte(`[
	  {"name": "eDP-1", "enabled": true,
	   "physical_size": {"width": 310, "height": 170},
	   "modes": [
	     {"width": 1280, "height": 720, "refresh": 60.0, "preferred": false, "current": false},
	     {"width": 1920, "height": 1080, "refresh": 60.0, "preferred": true, "current": true}
	   ],
	   "position": {"x": 0, "y": 0}, "transform": "flipped-90", "scale": 1.5},
	  {"name": "HDMI-A-1", "enabled": false,
	   "physical_size": {"width": 0, "height": 0},
	   "modes": [{"width": 2560, "height": 1440, "refresh": 60.0, "preferred": true, "current": true}],
	   "position": {"x": 1920, "y": 0}, "transform": "normal", "scale": 1.0}
	]`)
	screens, err := ParseWlrRandr(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(screens) != 1 {
		t.Fatalf("got %d screens, want 1", len(screens))
	}
	s := screens[0]
	if s.Name != "eDP-1" || s.LogicalSize != (types.Size{Width: 1920, Height: 1080}) {
		t.Fatalf("screen %+v", s)
	}
	if s.PhysicalSizeMM == nil || *s.PhysicalSizeMM != (types.Size{Width: 310, Height: 170}) {
		t.Fatalf("physical size %v", s.PhysicalSizeMM)
	}
	if s.Transform != types.TransformFlipped90 || s.ScaleFactor != 1.5 {
		t.Fatalf("transform %v scale %v", s.Transform, s.ScaleFactor)
	}
}

func TestParseWlrRandrErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{"not json", `wlr-randr: no such option`},
		{"bad transform", `[{"name":"X","enabled":true,"modes":[{"width":1,"height":1,"current":true}],"transform":"sideways"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseWlrRandr([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
