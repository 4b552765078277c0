package encode

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"reelcast/internal/h264"
	"reelcast/internal/types"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9, 0x02, 0xc1, 0x2c, 0x80}
	testPPS = []byte{0x68, 0xce, 0x06, 0xe2}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testP   = []byte{0x41, 0x9a, 0x02, 0x0c}
)

// fakeVideo emits SPS+PPS+IDR on forced keyframes and a P slice otherwise.
// With delay > 0 it holds that many packets back until Drain.
type fakeVideo struct {
	delay   int
	calls   int
	sizes   []int
	held    []Packet
	pts     []int64
	drained bool
	closed  bool
}

func (f *fakeVideo) Name() string { return "fake" }

func (f *fakeVideo) Encode(yuv []byte, pts int64, forceIDR bool) ([]Packet, error) {
	f.calls++
	f.sizes = append(f.sizes, len(yuv))
	f.pts = append(f.pts, pts)
	p := Packet{PTS: pts, Data: h264.JoinAnnexB(testP)}
	if forceIDR {
		p = Packet{PTS: pts, Key: true, Data: h264.JoinAnnexB(testSPS, testPPS, testIDR)}
	}
	f.held = append(f.held, p)
	if len(f.held) <= f.delay {
		return nil, nil
	}
	out := f.held[0]
	f.held = f.held[1:]
	return []Packet{out}, nil
}

func (f *fakeVideo) Drain() ([]Packet, error) {
	f.drained = true
	out := f.held
	f.held = nil
	return out, nil
}

func (f *fakeVideo) Close() { f.closed = true }

// encodeOne encodes frame and returns the single packet it produced, or nil.
func encodeOne(enc *VideoEncoder, frame *types.PixelBuffer) (*types.EncodedFrame, error) {
	var got []*types.EncodedFrame
	err := enc.EncodeFrame(frame, func(f *types.EncodedFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil || len(got) == 0 {
		return nil, err
	}
	if len(got) > 1 {
		return nil, fmt.Errorf("%d packets for one frame", len(got))
	}
	return got[0], nil
}

func yuvFrame(w, h int, ts time.Duration) *types.PixelBuffer {
	b := types.NewPixelBuffer(w, h, types.PixelFormatYUV420P)
	b.Timestamp = ts
	return b
}

func TestVideoEncoderInlineHeaders(t *testing.T) {
	t.Parallel()

	codec := &fakeVideo{}
	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 25, AnnexB: true}, codec, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Headers(); !errors.Is(err, ErrHeadersNotReady) {
		t.Fatalf("headers before first frame: %v", err)
	}
	f, err := encodeOne(enc, yuvFrame(16, 16, 0))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != types.KindVideoKey || !f.AnnexB {
		t.Fatalf("first frame = %v annexb=%v", f.Kind, f.AnnexB)
	}
	if !bytes.Equal(f.Data, h264.JoinAnnexB(testSPS, testPPS, testIDR)) {
		t.Fatalf("inline keyframe lost parameter sets: %x", f.Data)
	}
	hdr, err := enc.Headers()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(hdr, h264.JoinAnnexB(testSPS, testPPS)) {
		t.Fatalf("headers = %x", hdr)
	}
	enc.Close()
	if !codec.closed {
		t.Fatal("codec not closed")
	}
}

func TestVideoEncoderProbeStripsHeaders(t *testing.T) {
	t.Parallel()

	codec := &fakeVideo{}
	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 25}, codec, HeadersProbe, nil)
	if err != nil {
		t.Fatal(err)
	}
	if codec.calls != 1 {
		t.Fatalf("probe made %d codec calls", codec.calls)
	}
	hdr, err := enc.Headers()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(hdr, h264.JoinLengthPrefixed(testSPS, testPPS)) {
		t.Fatalf("headers = %x", hdr)
	}

	f, err := encodeOne(enc, yuvFrame(16, 16, 40*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if f.AnnexB || !bytes.Equal(f.Data, h264.JoinLengthPrefixed(testIDR)) {
		t.Fatalf("keyframe = %x", f.Data)
	}
	if f.PTS != 40 {
		t.Fatalf("pts = %d", f.PTS)
	}
	f, err = encodeOne(enc, yuvFrame(16, 16, 80*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != types.KindVideoDelta || !bytes.Equal(f.Data, h264.JoinLengthPrefixed(testP)) {
		t.Fatalf("delta = %v %x", f.Kind, f.Data)
	}
}

func TestVideoEncoderKeyframeInterval(t *testing.T) {
	t.Parallel()

	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 5, AnnexB: true}, &fakeVideo{}, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 11; i++ {
		f, err := encodeOne(enc, yuvFrame(16, 16, time.Duration(i)*200*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		wantKey := i%5 == 0
		if (f.Kind == types.KindVideoKey) != wantKey {
			t.Fatalf("frame %d kind %v", i, f.Kind)
		}
	}
}

func TestVideoEncoderMonotonicPTS(t *testing.T) {
	t.Parallel()

	codec := &fakeVideo{}
	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 30, AnnexB: true}, codec, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range []time.Duration{10, 10, 5, 30} {
		if _, err := encodeOne(enc, yuvFrame(16, 16, ts*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	want := []int64{10, 11, 12, 30}
	for i, p := range codec.pts {
		if p != want[i] {
			t.Fatalf("pts %v, want %v", codec.pts, want)
		}
	}
}

func TestVideoEncoderRejectsWrongSize(t *testing.T) {
	t.Parallel()

	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 30}, &fakeVideo{}, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := encodeOne(enc, yuvFrame(32, 16, 0)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewVideoEncoder(VideoConfig{Width: 15, Height: 16, FPS: 30}, &fakeVideo{}, HeadersInline, nil); err == nil {
		t.Fatal("odd width accepted")
	}
}

func TestVideoEncoderConvertsRGB(t *testing.T) {
	t.Parallel()

	codec := &fakeVideo{}
	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 8, FPS: 30, AnnexB: true}, codec, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := encodeOne(enc, types.NewPixelBuffer(16, 8, types.PixelFormatRGB24)); err != nil {
		t.Fatal(err)
	}
	if codec.sizes[0] != 16*8*3/2 {
		t.Fatalf("codec got %d bytes, want I420", codec.sizes[0])
	}
}

func TestVideoEncoderFlushDrainsBufferedPackets(t *testing.T) {
	t.Parallel()

	codec := &fakeVideo{delay: 2}
	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 30, AnnexB: true}, codec, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []*types.EncodedFrame
	for i := 0; i < 3; i++ {
		f, err := encodeOne(enc, yuvFrame(16, 16, time.Duration(i)*33*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 && f != nil {
			t.Fatalf("frame %d returned while codec buffered", i)
		}
		if f != nil {
			got = append(got, f)
		}
	}
	err = enc.Flush(func(f *types.EncodedFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !codec.drained || len(got) != 3 {
		t.Fatalf("drained=%v frames=%d", codec.drained, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].PTS < got[i-1].PTS {
			t.Fatalf("pts went backwards: %d after %d", got[i].PTS, got[i-1].PTS)
		}
	}
	if _, err := encodeOne(enc, yuvFrame(16, 16, time.Second)); !errors.Is(err, ErrFlushed) {
		t.Fatalf("encode after flush: %v", err)
	}
}

// burstVideo returns every Encode call's packet twice over: the picture and a
// duplicate delta, as a codec catching up after a stall would.
type burstVideo struct{ fakeVideo }

func (b *burstVideo) Encode(yuv []byte, pts int64, forceIDR bool) ([]Packet, error) {
	pkts, err := b.fakeVideo.Encode(yuv, pts, forceIDR)
	if err != nil || len(pkts) == 0 {
		return pkts, err
	}
	return append(pkts, Packet{PTS: pts + 1, Data: h264.JoinAnnexB(testP)}), nil
}

func TestVideoEncoderDeliversEveryReadyPacket(t *testing.T) {
	t.Parallel()

	enc, err := NewVideoEncoder(VideoConfig{Width: 16, Height: 16, FPS: 25, AnnexB: true}, &burstVideo{}, HeadersInline, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []*types.EncodedFrame
	sink := func(f *types.EncodedFrame) error {
		got = append(got, f)
		return nil
	}
	for i := 0; i < 3; i++ {
		before := len(got)
		if err := enc.EncodeFrame(yuvFrame(16, 16, time.Duration(i)*40*time.Millisecond), sink); err != nil {
			t.Fatal(err)
		}
		if n := len(got) - before; n != 2 {
			t.Fatalf("frame %d delivered %d packets, want 2", i, n)
		}
	}
	var flushed int
	if err := enc.Flush(func(*types.EncodedFrame) error { flushed++; return nil }); err != nil {
		t.Fatal(err)
	}
	if flushed != 0 {
		t.Fatalf("%d packets left for flush", flushed)
	}
	if got[0].Kind != types.KindVideoKey || got[1].Kind != types.KindVideoDelta {
		t.Fatalf("kinds %v %v", got[0].Kind, got[1].Kind)
	}

	stop := errors.New("sink full")
	err = enc.EncodeFrame(yuvFrame(16, 16, 200*time.Millisecond), func(*types.EncodedFrame) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("sink error not returned: %v", err)
	}
}

// fakeAAC returns one packet per frame and records the frames.
type fakeAAC struct {
	size   int
	asc    []byte
	frames [][][]float32
}

func (f *fakeAAC) FrameSize() int              { return f.size }
func (f *fakeAAC) AudioSpecificConfig() []byte { return f.asc }
func (f *fakeAAC) Drain() ([][]byte, error)    { return nil, nil }
func (f *fakeAAC) Close()                      {}

func (f *fakeAAC) Encode(planar [][]float32) ([][]byte, error) {
	f.frames = append(f.frames, planar)
	return [][]byte{{byte(len(f.frames))}}, nil
}

func TestAudioEncoderPTSFromSampleCount(t *testing.T) {
	t.Parallel()

	codec := &fakeAAC{size: 1024}
	enc, err := NewAudioEncoder(AudioConfig{SampleRate: 48000, Channels: 1, BitrateKbps: 128}, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	var pkts []*types.EncodedFrame
	for i := 0; i < 100; i++ {
		s := make([]float32, 480)
		for j := range s {
			s[j] = 0.25
		}
		out, err := enc.Encode(&types.AudioFrame{
			SampleRate: 48000,
			Channels:   1,
			Samples:    s,
			Timestamp:  time.Second + time.Duration(i)*10*time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		pkts = append(pkts, out...)
	}
	if len(pkts) != 46 {
		t.Fatalf("got %d packets, want 46", len(pkts))
	}
	for k, p := range pkts {
		want := int64(1000) + int64(k)*1024*1000/48000
		if p.PTS != want || p.Kind != types.KindAudio {
			t.Fatalf("packet %d pts %d kind %v, want %d", k, p.PTS, p.Kind, want)
		}
	}

	rest, err := enc.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 {
		t.Fatalf("flush returned %d packets", len(rest))
	}
	last := codec.frames[len(codec.frames)-1][0]
	if len(last) != 1024 || last[895] != 0.25 || last[896] != 0 {
		t.Fatalf("last frame not zero padded: len=%d [895]=%v [896]=%v", len(last), last[895], last[896])
	}
	if _, err := enc.Encode(&types.AudioFrame{SampleRate: 48000, Channels: 1, Samples: make([]float32, 4)}); !errors.Is(err, ErrFlushed) {
		t.Fatalf("encode after flush: %v", err)
	}
}

func TestAudioEncoderHeaderFallback(t *testing.T) {
	t.Parallel()

	enc, err := NewAudioEncoder(AudioConfig{SampleRate: 48000, Channels: 2}, &fakeAAC{size: 1024}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hdr := enc.Header(); len(hdr) < 2 || hdr[0] != 0x11 || hdr[1] != 0x90 {
		t.Fatalf("asc = %x, want 1190", hdr)
	}

	own := []byte{0x12, 0x10}
	enc, err = NewAudioEncoder(AudioConfig{SampleRate: 44100, Channels: 2}, &fakeAAC{size: 1024, asc: own}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc.Header(), own) {
		t.Fatalf("codec asc ignored: %x", enc.Header())
	}
}

func TestAudioEncoderConvertsLayout(t *testing.T) {
	t.Parallel()

	codec := &fakeAAC{size: 4}
	enc, err := NewAudioEncoder(AudioConfig{SampleRate: 48000, Channels: 2}, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(&types.AudioFrame{SampleRate: 48000, Channels: 1, Samples: []float32{0.1, 0.2, 0.3, 0.4}}); err != nil {
		t.Fatal(err)
	}
	if len(codec.frames) != 1 {
		t.Fatalf("frames = %d", len(codec.frames))
	}
	for ch := 0; ch < 2; ch++ {
		if codec.frames[0][ch][2] != 0.3 {
			t.Fatalf("channel %d = %v", ch, codec.frames[0][ch])
		}
	}

	// Planar stereo input: L plane then R plane.
	planar := []float32{1, 1, 1, 1, -1, -1, -1, -1}
	if _, err := enc.Encode(&types.AudioFrame{SampleRate: 48000, Channels: 2, Format: types.SampleF32Planar, Samples: planar}); err != nil {
		t.Fatal(err)
	}
	if got := codec.frames[1]; got[0][0] != 1 || got[1][0] != -1 {
		t.Fatalf("planar input = %v", got)
	}
}

func TestResamplerRate(t *testing.T) {
	t.Parallel()

	r := NewResampler(44100, 1, 48000, 1)
	var total int
	for i := 0; i < 100; i++ {
		in := make([]float32, 441)
		for j := range in {
			in[j] = 0.5
		}
		out := r.Process(in)
		for _, v := range out {
			if math.Abs(float64(v)-0.5) > 1e-6 {
				t.Fatalf("sample %v, want 0.5", v)
			}
		}
		total += len(out)
	}
	if total < 47998 || total > 48002 {
		t.Fatalf("resampled 1 s to %d frames", total)
	}
}

func TestResamplerRampIsContinuous(t *testing.T) {
	t.Parallel()

	// A linear ramp stays linear across chunk boundaries.
	r := NewResampler(24000, 1, 48000, 1)
	var out []float32
	for c := 0; c < 4; c++ {
		in := make([]float32, 10)
		for j := range in {
			in[j] = float32(c*10 + j)
		}
		out = append(out, r.Process(in)...)
	}
	for i := 1; i < len(out); i++ {
		if d := out[i] - out[i-1]; math.Abs(float64(d)-0.5) > 1e-4 {
			t.Fatalf("step %d = %v, want 0.5", i, d)
		}
	}
}

func TestResamplerDownmix(t *testing.T) {
	t.Parallel()

	r := NewResampler(48000, 2, 48000, 1)
	out := r.Process([]float32{0.2, 0.4, -1, 1})
	if len(out) != 2 || math.Abs(float64(out[0])-0.3) > 1e-6 || out[1] != 0 {
		t.Fatalf("downmix = %v", out)
	}
}
