package denoise

import (
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"
	"time"

	"reelcast/internal/lifecycle"
	"reelcast/internal/types"
	"reelcast/internal/wav"
)

// halver attenuates by 6 dB and reports speech for loud frames.
type halver struct{ closed *int }

func (h halver) ProcessFrame(out, in []float32) float32 {
	var peak float32
	for i, v := range in {
		out[i] = v / 2
		if v > peak {
			peak = v
		}
	}
	if peak > 1000 {
		return 0.9
	}
	return 0.1
}

func (h halver) Close() {
	if h.closed != nil {
		*h.closed++
	}
}

func halverFactory() (Suppressor, error) { return halver{}, nil }

func writeWAV(t *testing.T, f wav.Format, samples []float32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	w, err := wav.Create(path, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(samples); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func readWAV(t *testing.T, path string) (wav.Format, []float32) {
	t.Helper()
	r, err := wav.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var all []float32
	buf := make([]float32, 4096)
	for {
		n, err := r.Read(buf)
		all = append(all, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	return r.Format, all
}

func rms(s []float32) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(s)))
}

// noise returns deterministic even-valued samples in [-2000, 2000].
func noise(n int) []float32 {
	out := make([]float32, n)
	x := uint32(12345)
	for i := range out {
		x = x*1664525 + 1013904223
		out[i] = float32(int(x>>20)%2001-1000) * 2
	}
	return out
}

func TestFileDropsFirstFrame(t *testing.T) {
	t.Parallel()

	format := wav.Format{Channels: 2, SampleRate: 44100, BitsPerSample: 16}
	frames := 3 * 44100
	in := noise(frames * 2)
	inPath := writeWAV(t, format, in)
	outPath := filepath.Join(t.TempDir(), "out.wav")

	var last float32
	reason, err := File(inPath, outPath, FileOptions{
		Factory:  halverFactory,
		Progress: func(p float32) { last = p },
	})
	if err != nil {
		t.Fatal(err)
	}
	if reason != lifecycle.Finished {
		t.Fatalf("reason = %v", reason)
	}
	if last != 1 {
		t.Fatalf("final progress = %v", last)
	}

	gotFormat, out := readWAV(t, outPath)
	if gotFormat != format {
		t.Fatalf("format = %v, want %v", gotFormat, format)
	}
	if want := (frames - FrameSize) * 2; len(out) != want {
		t.Fatalf("output samples = %d, want %d", len(out), want)
	}
	for i := 0; i < 64; i++ {
		if want := in[FrameSize*2+i] / 2; out[i] != want {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want)
		}
	}
	if rms(out) > rms(in) {
		t.Fatalf("rms grew: %v > %v", rms(out), rms(in))
	}
}

func TestFileSilenceStaysSilent(t *testing.T) {
	t.Parallel()

	format := wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 24}
	inPath := writeWAV(t, format, make([]float32, 48000))
	outPath := filepath.Join(t.TempDir(), "out.wav")
	if _, err := File(inPath, outPath, FileOptions{Factory: halverFactory}); err != nil {
		t.Fatal(err)
	}
	_, out := readWAV(t, outPath)
	if rms(out) != 0 {
		t.Fatalf("rms = %v, want 0", rms(out))
	}
}

func TestFileScalesFloatAndWideFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format wav.Format
		value  float32
		want   float32
	}{
		{wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 32, Float: true}, 0.5, 0.25},
		{wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 24}, 4194304, 2097152},
	}
	for _, tt := range tests {
		in := make([]float32, 2*FrameSize)
		for i := range in {
			in[i] = tt.value
		}
		inPath := writeWAV(t, tt.format, in)
		outPath := filepath.Join(t.TempDir(), "out.wav")
		if _, err := File(inPath, outPath, FileOptions{Factory: halverFactory}); err != nil {
			t.Fatal(err)
		}
		_, out := readWAV(t, outPath)
		if len(out) != FrameSize {
			t.Fatalf("%v: %d samples", tt.format, len(out))
		}
		if d := math.Abs(float64(out[0] - tt.want)); d > math.Abs(float64(tt.want))*1e-4 {
			t.Fatalf("%v: sample = %v, want %v", tt.format, out[0], tt.want)
		}
	}
}

func TestFileCancelled(t *testing.T) {
	t.Parallel()

	format := wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 16}
	inPath := writeWAV(t, format, noise(48000))
	outPath := filepath.Join(t.TempDir(), "out.wav")
	sig := lifecycle.NewSignal()
	sig.Cancel()
	reason, err := File(inPath, outPath, FileOptions{Factory: halverFactory, Cancel: sig})
	if err != nil {
		t.Fatal(err)
	}
	if reason != lifecycle.Stopped {
		t.Fatalf("reason = %v, want stopped", reason)
	}
	if _, out := readWAV(t, outPath); len(out) != 0 {
		t.Fatalf("wrote %d samples after cancel", len(out))
	}
}

func TestFileRejectsSampleRate(t *testing.T) {
	t.Parallel()

	inPath := writeWAV(t, wav.Format{Channels: 1, SampleRate: 22050, BitsPerSample: 16}, noise(1000))
	_, err := File(inPath, filepath.Join(t.TempDir(), "o.wav"), FileOptions{Factory: halverFactory})
	if !errors.Is(err, ErrUnsupportedSampleRate) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamBuffersUntilFullFrame(t *testing.T) {
	t.Parallel()

	closed := 0
	factory := func() (Suppressor, error) { return halver{closed: &closed}, nil }
	s, err := NewStream(wav.Format{Channels: 2, SampleRate: 48000, BitsPerSample: 16}, factory, nil)
	if err != nil {
		t.Fatal(err)
	}
	in := noise(2 * 1000)

	var out []float32
	for off := 0; off < len(in); off += 2 * 100 {
		got, err := s.Process(in[off : off+2*100])
		if err != nil {
			t.Fatal(err)
		}
		if got != nil && len(got)%(2*FrameSize) != 0 {
			t.Fatalf("partial frame emitted: %d samples", len(got))
		}
		out = append(out, got...)
	}
	if len(out) != 2*2*FrameSize {
		t.Fatalf("processed %d samples, want %d", len(out), 2*2*FrameSize)
	}
	if s.Buffered() != 1000-2*FrameSize {
		t.Fatalf("buffered = %d", s.Buffered())
	}
	for i := range out {
		if out[i] != in[i]/2 {
			t.Fatalf("sample %d = %v, want %v", i, out[i], in[i]/2)
		}
	}

	rest := s.Flush()
	if len(rest) != 2*(1000-2*FrameSize) {
		t.Fatalf("flush returned %d samples", len(rest))
	}
	for i, v := range rest {
		if v != in[2*2*FrameSize+i] {
			t.Fatalf("residue %d = %v, want unprocessed %v", i, v, in[2*2*FrameSize+i])
		}
	}
	if s.Flush() != nil {
		t.Fatal("second flush returned samples")
	}
	s.Close()
	if closed != 2 {
		t.Fatalf("closed %d suppressors, want 2", closed)
	}
}

func TestStreamRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := NewStream(wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 8}, halverFactory, nil); !errors.Is(err, ErrUnsupportedBitDepth) {
		t.Fatalf("8-bit: err = %v", err)
	}
	if _, err := NewStream(wav.Format{Channels: 1, SampleRate: 16000, Float: true, BitsPerSample: 32}, halverFactory, nil); !errors.Is(err, ErrUnsupportedSampleRate) {
		t.Fatalf("16 kHz: err = %v", err)
	}

	s, err := NewStream(wav.Format{Channels: 2, SampleRate: 48000, BitsPerSample: 32, Float: true}, halverFactory, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Process(make([]float32, 3)); err == nil {
		t.Fatal("odd sample count accepted")
	}
	_, err = s.ProcessFrame(&types.AudioFrame{SampleRate: 48000, Channels: 1, Samples: make([]float32, 10)})
	if !errors.Is(err, ErrFormatChanged) {
		t.Fatalf("channel change: err = %v", err)
	}
}

func TestStreamFrameTimestamps(t *testing.T) {
	t.Parallel()

	s, err := NewStream(wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 32, Float: true}, halverFactory, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := 2 * time.Second
	var stamps []time.Duration
	for i := 0; i < 6; i++ {
		in := &types.AudioFrame{
			SampleRate: 48000,
			Channels:   1,
			Samples:    make([]float32, 240),
			Timestamp:  base + time.Duration(i)*5*time.Millisecond,
		}
		out, err := s.ProcessFrame(in)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			stamps = append(stamps, out.Timestamp)
		}
	}
	if len(stamps) != 3 {
		t.Fatalf("got %d frames, want 3", len(stamps))
	}
	for i, ts := range stamps {
		if want := base + time.Duration(i)*10*time.Millisecond; ts != want {
			t.Fatalf("frame %d at %v, want %v", i, ts, want)
		}
	}
}

func TestVADGateSegments(t *testing.T) {
	t.Parallel()

	var segs []Segment
	g := NewVADGate(48000, func(s Segment) { segs = append(segs, s) })
	g.Hangover = 2
	g.MinFrames = 2

	frame := make([]float32, FrameSize)
	// frames: 0 quiet, 1-3 speech, 4-6 quiet (closes after 3rd), 7 speech, end.
	probs := []float32{0.1, 0.9, 0.8, 0.95, 0.1, 0.2, 0.1, 0.9}
	for _, p := range probs {
		g.Push(frame, p)
	}
	g.Flush()

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1 (short tail dropped)", len(segs))
	}
	frameDur := 10 * time.Millisecond
	if segs[0].Start != frameDur || segs[0].End != 7*frameDur {
		t.Fatalf("segment = [%v, %v], want [10ms, 70ms]", segs[0].Start, segs[0].End)
	}
	if len(segs[0].Samples) != 6*FrameSize {
		t.Fatalf("segment has %d samples", len(segs[0].Samples))
	}
}

func TestStreamFeedsVAD(t *testing.T) {
	t.Parallel()

	var segs []Segment
	gate := NewVADGate(48000, func(s Segment) { segs = append(segs, s) })
	s, err := NewStream(wav.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 16}, halverFactory, gate)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	loud := make([]float32, 10*FrameSize)
	for i := range loud {
		loud[i] = 8000
	}
	if _, err := s.Process(loud); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	if len(segs) != 1 {
		t.Fatalf("got %d segments", len(segs))
	}
	want := float32(4000.0 / 32767.0)
	if d := segs[0].Samples[0] - want; d > 1e-6 || d < -1e-6 {
		t.Fatalf("mono sample = %v, want %v", segs[0].Samples[0], want)
	}
}
