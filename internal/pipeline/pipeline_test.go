package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"reelcast/internal/capture"
	"reelcast/internal/config"
	"reelcast/internal/denoise"
	"reelcast/internal/encode"
	"reelcast/internal/h264"
	"reelcast/internal/lifecycle"
	"reelcast/internal/metrics"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9, 0x02, 0xc1, 0x2c, 0x80}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testP   = []byte{0x41, 0x9a, 0x02, 0x0c}
)

// fakeScreen delivers BGRA frames of 64x48, waiting for room in the
// queue so none are evicted. frames < 0 streams until cancelled.
type fakeScreen struct {
	frames int
	every  time.Duration

	mu     sync.Mutex
	closed bool
}

func (f *fakeScreen) Size() (int, int) { return 64, 48 }

// Stream stamps frames 40 ms apart from the first one, which like the real
// pacer lands at its offset from cfg.Epoch.
func (f *fakeScreen) Stream(cfg capture.StreamConfig, out *queue.Queue[*types.PixelBuffer]) (lifecycle.Reason, error) {
	var base time.Duration
	if !cfg.Epoch.IsZero() {
		base = time.Since(cfg.Epoch)
	}
	for i := 0; f.frames < 0 || i < f.frames; i++ {
		for out.Len() >= out.Cap() {
			if !cfg.Cancel.Sleep(time.Millisecond) {
				return lifecycle.Stopped, nil
			}
		}
		if cfg.Cancel.Cancelled() {
			return lifecycle.Stopped, nil
		}
		buf := types.NewPixelBuffer(64, 48, types.PixelFormatBGRA8)
		buf.Index = uint64(i)
		buf.Timestamp = base + time.Duration(i)*40*time.Millisecond
		out.Push(buf)
		if f.every > 0 && !cfg.Cancel.Sleep(f.every) {
			return lifecycle.Stopped, nil
		}
	}
	return lifecycle.Finished, nil
}

func (f *fakeScreen) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// fakeVideo emits SPS+PPS+IDR on forced keyframes and a P slice otherwise.
// failAt > 0 makes that call fail.
type fakeVideo struct {
	calls  int
	failAt int
}

func (f *fakeVideo) Name() string { return "fake" }

func (f *fakeVideo) Encode(yuv []byte, pts int64, forceIDR bool) ([]encode.Packet, error) {
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("bitstream overflow")
	}
	if forceIDR {
		return []encode.Packet{{PTS: pts, Key: true, Data: h264.JoinAnnexB(testSPS, testPPS, testIDR)}}, nil
	}
	return []encode.Packet{{PTS: pts, Data: h264.JoinAnnexB(testP)}}, nil
}

func (f *fakeVideo) Drain() ([]encode.Packet, error) { return nil, nil }
func (f *fakeVideo) Close()                          {}

func videoCodec(fv *fakeVideo) VideoCodecFunc {
	return func(string, encode.VideoConfig) (encode.VideoCodec, encode.HeaderMode, error) {
		return fv, encode.HeadersInline, nil
	}
}

type fakeAAC struct{}

func (fakeAAC) FrameSize() int { return 1024 }
func (fakeAAC) Encode(planar [][]float32) ([][]byte, error) {
	return [][]byte{{0x21, 0x00, 0x03}}, nil
}
func (fakeAAC) Drain() ([][]byte, error)    { return nil, nil }
func (fakeAAC) AudioSpecificConfig() []byte { return nil }
func (fakeAAC) Close()                      {}

func audioCodec(encode.AudioConfig) (encode.AudioCodec, error) { return fakeAAC{}, nil }

// fakeMic delivers 10 ms of a quiet tone every 10 ms.
type fakeMic struct {
	stop chan struct{}
	done chan struct{}
}

func newFakeMic() *fakeMic { return &fakeMic{stop: make(chan struct{}), done: make(chan struct{})} }

func (m *fakeMic) SampleRate() int { return 48000 }
func (m *fakeMic) Channels() int   { return 2 }

func (m *fakeMic) Start(fn func([]float32)) error {
	go func() {
		defer close(m.done)
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		chunk := make([]float32, 480*2)
		for i := range chunk {
			chunk[i] = 0.01
		}
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				fn(chunk)
			}
		}
	}()
	return nil
}

func (m *fakeMic) Stop() {
	close(m.stop)
	<-m.done
}

// recorder is a sink keeping every frame. With failAfter > 0 it fails on
// that write.
type recorder struct {
	name      string
	failAfter int

	mu     sync.Mutex
	frames []*types.EncodedFrame
	closed bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) WriteFrame(f *types.EncodedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.frames) == r.failAfter {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() ([]*types.EncodedFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.EncodedFrame(nil), r.frames...), r.closed
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Mic = false
	cfg.Sinks.MP4.Path = filepath.Join(t.TempDir(), "out.mp4")
	cfg.LogLevel = "error"
	return cfg
}

func collect(s *Session) <-chan []Event {
	done := make(chan []Event, 1)
	go func() {
		var evs []Event
		for ev := range s.Events() {
			evs = append(evs, ev)
		}
		done <- evs
	}()
	return done
}

func runSession(t *testing.T, s *Session) (lifecycle.Reason, error, []Event) {
	t.Helper()
	events := collect(s)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reason, err := s.Run(ctx)
	return reason, err, <-events
}

func TestRecordVideoToSinks(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	rec := &recorder{name: "recorder"}
	screen := &fakeScreen{frames: 60}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := New(cfg,
		WithScreen(screen),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithSink(rec),
		WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	reason, err, events := runSession(t, s)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Run() = %s, %v; want finished", reason, err)
	}
	if last := events[len(events)-1]; last.Kind != EventStopped || last.Reason != lifecycle.Finished {
		t.Errorf("last event = %+v", last)
	}

	frames, closed := rec.snapshot()
	if !closed {
		t.Error("sink not closed")
	}
	if len(frames) < 3 {
		t.Fatalf("only %d frames", len(frames))
	}
	if frames[0].Kind != types.KindVideoSequenceHeader || frames[1].Kind != types.KindVideoKey {
		t.Fatalf("stream starts with %s, %s", frames[0].Kind, frames[1].Kind)
	}
	hdr, err := h264.ParseHeaders(frames[0].Data, frames[0].AnnexB)
	if err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	if w, h, err := hdr.Dimensions(); err != nil || w != 352 || h != 288 {
		t.Errorf("sequence header dimensions %dx%d, %v", w, h, err)
	}
	if frames[1].AnnexB || h264.IsAnnexB(frames[1].Data) {
		t.Error("video is Annex-B with an MP4 sink attached")
	}
	if frames[len(frames)-1].Kind != types.KindEnd {
		t.Errorf("last frame is %s, want end", frames[len(frames)-1].Kind)
	}

	video := 0
	var prev int64 = -1
	for _, f := range frames {
		if f.Kind != types.KindVideoKey && f.Kind != types.KindVideoDelta {
			continue
		}
		video++
		if f.PTS < prev {
			t.Fatalf("video pts went back from %d to %d", prev, f.PTS)
		}
		prev = f.PTS
	}
	if video == 0 || video > 60 {
		t.Errorf("video frames = %d", video)
	}
	if got := testutil.ToFloat64(m.EncodedFrames.WithLabelValues("video")); int(got) != video {
		t.Errorf("encoded video metric = %v, want %d", got, video)
	}

	f, err := os.Open(cfg.Sinks.MP4.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	parsed, err := mp4ff.DecodeFile(f)
	if err != nil {
		t.Fatalf("decode mp4: %v", err)
	}
	if parsed.Init == nil || len(parsed.Segments) == 0 {
		t.Fatal("mp4 has no init segment or fragments")
	}
	screen.mu.Lock()
	defer screen.mu.Unlock()
	if !screen.closed {
		t.Error("screen not closed")
	}
}

func TestRecordWithAudio(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Audio.Mic = true
	cfg.Audio.Denoise = true
	rec := &recorder{name: "recorder"}
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: 50, every: 5 * time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithAudioCodec(audioCodec),
		WithAudioBackends(newFakeMic(), nil),
		WithSuppressor(passthroughFactory),
		WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, _ := runSession(t, s)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Run() = %s, %v", reason, err)
	}

	frames, _ := rec.snapshot()
	var (
		videoHeader, audioHeader = -1, -1
		audio                    int
		prevAudio                int64 = -1
	)
	for i, f := range frames {
		switch f.Kind {
		case types.KindVideoSequenceHeader:
			videoHeader = i
		case types.KindAudioSequenceHeader:
			audioHeader = i
		case types.KindAudio:
			if audioHeader < 0 {
				t.Fatalf("audio packet %d before the audio sequence header", i)
			}
			if f.PTS < prevAudio {
				t.Fatalf("audio pts went back from %d to %d", prevAudio, f.PTS)
			}
			prevAudio = f.PTS
			audio++
		}
	}
	if videoHeader != 0 {
		t.Errorf("video sequence header at %d, want 0", videoHeader)
	}
	if audioHeader <= videoHeader {
		t.Errorf("audio sequence header at %d, video at %d", audioHeader, videoHeader)
	}
	if audio == 0 {
		t.Error("no audio packets")
	}
}

type passthrough struct{}

func (passthrough) ProcessFrame(out, in []float32) float32 {
	copy(out, in)
	return 0
}
func (passthrough) Close() {}

func passthroughFactory() (denoise.Suppressor, error) { return passthrough{}, nil }

func TestAudioAndVideoShareClock(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Audio.Mic = true
	rec := &recorder{name: "recorder"}
	// a codec and sink setup that takes a while
	slowCodec := func(c encode.AudioConfig) (encode.AudioCodec, error) {
		time.Sleep(400 * time.Millisecond)
		return audioCodec(c)
	}
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: 30, every: 20 * time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithAudioCodec(slowCodec),
		WithAudioBackends(newFakeMic(), nil),
		WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, _ := runSession(t, s)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Run() = %s, %v", reason, err)
	}

	firstVideo, firstAudio := int64(-1), int64(-1)
	frames, _ := rec.snapshot()
	for _, f := range frames {
		switch {
		case f.Kind == types.KindVideoKey && firstVideo < 0:
			firstVideo = f.PTS
		case f.Kind == types.KindAudio && firstAudio < 0:
			firstAudio = f.PTS
		}
	}
	if firstVideo < 0 || firstAudio < 0 {
		t.Fatalf("first video %d, first audio %d", firstVideo, firstAudio)
	}
	// one AAC frame plus one mic chunk of slack
	tolerance := int64(1024*1000/48000 + 10)
	if d := firstAudio - firstVideo; d > tolerance || d < -tolerance {
		t.Fatalf("audio starts %d ms after video (first video %d ms, first audio %d ms)", d, firstVideo, firstAudio)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	rec := &recorder{name: "recorder"}
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: -1, every: 2 * time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		reason lifecycle.Reason
		err    error
	}
	done := make(chan result, 1)
	go func() {
		reason, err := s.Run(context.Background())
		done <- result{reason, err}
	}()
	for ev := range s.Events() {
		if ev.Kind == EventStarted {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case res := <-done:
		if res.err != nil || res.reason != lifecycle.Stopped {
			t.Fatalf("Run() = %s, %v; want stopped", res.reason, res.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	frames, closed := rec.snapshot()
	if !closed || len(frames) == 0 || frames[len(frames)-1].Kind != types.KindEnd {
		t.Fatalf("closed=%v, %d frames, stream not ended", closed, len(frames))
	}
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("second Run accepted")
	}
}

func TestFailedSinkIsIsolated(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	good := &recorder{name: "good"}
	bad := &recorder{name: "bad", failAfter: 3}
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: 30}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithSink(good),
		WithSink(bad))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, events := runSession(t, s)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Run() = %s, %v", reason, err)
	}
	failed := false
	for _, ev := range events {
		if ev.Kind == EventSinkFailed && ev.Sink == "bad" {
			failed = true
		}
	}
	if !failed {
		t.Error("no sink-failed event for the broken sink")
	}
	frames, _ := good.snapshot()
	if frames[len(frames)-1].Kind != types.KindEnd {
		t.Error("healthy sink did not see the end of the stream")
	}
}

func TestAllSinksFailed(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	// the mp4 sink cannot be created, leaving only the broken one
	cfg.Sinks.MP4.Path = filepath.Join(t.TempDir(), "missing", "out.mp4")
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: -1, every: time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithSink(&recorder{name: "bad", failAfter: 2}))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, events := runSession(t, s)
	if reason != lifecycle.Failed || !errors.Is(err, ErrNoSinks) {
		t.Fatalf("Run() = %s, %v; want failed with ErrNoSinks", reason, err)
	}
	var mp4Failed bool
	for _, ev := range events {
		if ev.Kind == EventSinkFailed && ev.Sink == "mp4" {
			mp4Failed = true
		}
	}
	if !mp4Failed {
		t.Error("mp4 open failure not reported")
	}
}

func TestEncoderFailureEndsSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: -1, every: time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{failAt: 5})),
		WithSink(&recorder{name: "recorder"}))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, events := runSession(t, s)
	if reason != lifecycle.Failed || !errors.Is(err, encode.ErrEncode) {
		t.Fatalf("Run() = %s, %v; want failed with ErrEncode", reason, err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == EventFailed && ev.Stage == StageVideoEncode {
			found = true
		}
	}
	if !found {
		t.Error("no failed event from the video encoder")
	}
}

func TestNoSinkOpened(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Sinks.MP4.Path = filepath.Join(t.TempDir(), "missing", "out.mp4")
	screen := &fakeScreen{frames: 1}
	s, err := New(cfg, WithScreen(screen), WithVideoCodec(videoCodec(&fakeVideo{})))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, _ := runSession(t, s)
	if reason != lifecycle.Failed || !errors.Is(err, ErrNoSinks) {
		t.Fatalf("Run() = %s, %v", reason, err)
	}
	screen.mu.Lock()
	defer screen.mu.Unlock()
	if !screen.closed {
		t.Error("screen left open after a startup failure")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Capture.FPS = 0
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("New() = %v, want ErrInvalid", err)
	}
}

type fixedPoller struct{ x, y int }

func (p fixedPoller) Position() (int, int, error) { return p.x, p.y, nil }
func (fixedPoller) Close()                        {}

func TestFollowCursor(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cursor.Follow = true
	cfg.Cursor.PollInterval = time.Millisecond
	cfg.Cursor.RegionWidth, cfg.Cursor.RegionHeight = 32, 24
	rec := &recorder{name: "recorder"}
	s, err := New(cfg,
		WithScreen(&fakeScreen{frames: 40, every: 2 * time.Millisecond}),
		WithVideoCodec(videoCodec(&fakeVideo{})),
		WithCursorPoller(fixedPoller{x: 10, y: 10}),
		WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	reason, err, _ := runSession(t, s)
	if err != nil || reason != lifecycle.Finished {
		t.Fatalf("Run() = %s, %v", reason, err)
	}
	if frames, _ := rec.snapshot(); len(frames) < 3 {
		t.Fatalf("only %d frames", len(frames))
	}
}

func TestDenoiseResidueTimestamp(t *testing.T) {
	t.Parallel()
	last := &types.AudioFrame{
		SampleRate: 48000,
		Channels:   2,
		Samples:    make([]float32, 480*2),
		Timestamp:  990 * time.Millisecond,
	}
	end := frameEnd(last)
	if end != time.Second {
		t.Fatalf("frameEnd = %v, want 1s", end)
	}
	f := residueFrame(make([]float32, 240*2), end, 48000, 2)
	if f.Timestamp != time.Second-5*time.Millisecond {
		t.Fatalf("residue at %v, want 995ms", f.Timestamp)
	}
	if f.SampleRate != 48000 || f.Channels != 2 || f.Format != types.SampleF32Interleaved {
		t.Fatalf("residue format %+v", f)
	}
}
