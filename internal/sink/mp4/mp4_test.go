package mp4

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"

	"reelcast/internal/h264"
	"reelcast/internal/sink"
	"reelcast/internal/types"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9, 0x02, 0xc1, 0x2c, 0x80} // 352x288
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testP   = []byte{0x41, 0x9a, 0x02, 0x0c}
	// AAC-LC, 48 kHz, stereo
	testASC = []byte{0x11, 0x90}
)

// stream builds seconds of 25 fps video with a keyframe every second and
// 48 kHz AAC packets, interleaved with audio lagging video by a few packets.
func stream(seconds int, annexB bool) []*types.EncodedFrame {
	join := h264.JoinLengthPrefixed
	if annexB {
		join = h264.JoinAnnexB
	}
	out := []*types.EncodedFrame{
		{Kind: types.KindVideoSequenceHeader, Data: join(testSPS, testPPS), AnnexB: annexB},
		{Kind: types.KindAudioSequenceHeader, Data: testASC},
	}
	var audio []*types.EncodedFrame
	for i := 0; int64(i)*1024*1000/48000 < int64(seconds)*1000; i++ {
		audio = append(audio, &types.EncodedFrame{
			Kind: types.KindAudio,
			PTS:  int64(i) * 1024 * 1000 / 48000,
			Data: []byte{0x21, byte(i)},
		})
	}
	ai := 0
	for i := 0; i < seconds*25; i++ {
		f := &types.EncodedFrame{Kind: types.KindVideoDelta, PTS: int64(i * 40), AnnexB: annexB}
		if i%25 == 0 {
			f.Kind = types.KindVideoKey
			f.Data = join(testIDR)
		} else {
			f.Data = join(testP)
		}
		out = append(out, f)
		// audio trails by ~100 ms
		for ai < len(audio) && audio[ai].PTS <= f.PTS-100 {
			out = append(out, audio[ai])
			ai++
		}
	}
	return append(out, audio[ai:]...)
}

func decode(t *testing.T, path string) *mp4ff.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	parsed, err := mp4ff.DecodeFile(f)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	return parsed
}

type trackStats struct {
	samples   int
	fragments int
	decode    []uint64 // base decode time per fragment
}

func stats(f *mp4ff.File) map[uint32]*trackStats {
	out := map[uint32]*trackStats{}
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			for _, traf := range frag.Moof.Trafs {
				id := traf.Tfhd.TrackID
				if out[id] == nil {
					out[id] = &trackStats{}
				}
				s := out[id]
				s.fragments++
				s.decode = append(s.decode, traf.Tfdt.BaseMediaDecodeTime())
				for _, trun := range traf.Truns {
					s.samples += int(trun.SampleCount())
				}
			}
		}
	}
	return out
}

func TestMuxVideoAndAudio(t *testing.T) {
	t.Parallel()
	for _, annexB := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "out", "rec.mp4")
		m, err := Create(Config{Path: path, FPS: 25, Audio: true, SampleRate: 48000, Channels: 2}, nil)
		if err != nil {
			t.Fatal(err)
		}
		in := stream(2, annexB)
		audioIn := 0
		for _, f := range in {
			if f.Kind == types.KindAudio {
				audioIn++
			}
			if err := m.WriteFrame(f); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
		}
		if err := m.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		parsed := decode(t, path)
		if parsed.Init == nil || len(parsed.Init.Moov.Traks) != 2 {
			t.Fatalf("annexB=%v: init segment missing or wrong track count", annexB)
		}
		if parsed.Init.Moov.Traks[0].Mdia.Minf.Stbl.Stsd.AvcX == nil {
			t.Errorf("annexB=%v: no avc1 sample entry", annexB)
		}
		if parsed.Init.Moov.Traks[1].Mdia.Minf.Stbl.Stsd.Mp4a == nil {
			t.Errorf("annexB=%v: no mp4a sample entry", annexB)
		}

		st := stats(parsed)
		if st[1] == nil || st[1].samples != 50 {
			t.Fatalf("annexB=%v: video stats %+v, want 50 samples", annexB, st[1])
		}
		if st[2] == nil || st[2].samples != audioIn {
			t.Fatalf("annexB=%v: audio stats %+v, want %d samples", annexB, st[2], audioIn)
		}
		// one fragment per GOP: the second starts at the keyframe at 1 s
		if len(st[1].decode) < 2 || st[1].decode[1] != 90000 {
			t.Errorf("annexB=%v: video fragment decode times %v", annexB, st[1].decode)
		}
	}
}

func TestVideoOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "v.mp4")
	m, err := Create(Config{Path: path, FPS: 25}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range stream(1, false) {
		if err := m.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	parsed := decode(t, path)
	if len(parsed.Init.Moov.Traks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(parsed.Init.Moov.Traks))
	}
	if st := stats(parsed); st[1].samples != 25 || st[2] != nil {
		t.Fatalf("video samples = %d, audio %+v", st[1].samples, st[2])
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()
	m, err := Create(Config{Path: filepath.Join(t.TempDir(), "c.mp4")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	err = m.WriteFrame(&types.EncodedFrame{Kind: types.KindVideoKey})
	if !errors.Is(err, sink.ErrSinkClosed) {
		t.Fatalf("WriteFrame after Close = %v", err)
	}
}

func TestMediaWithoutHeaders(t *testing.T) {
	t.Parallel()
	m, err := Create(Config{Path: filepath.Join(t.TempDir(), "n.mp4")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var werr error
	for i := 0; i <= maxPending && werr == nil; i++ {
		werr = m.WriteFrame(&types.EncodedFrame{Kind: types.KindVideoDelta, PTS: int64(i), Data: testP})
	}
	if !errors.Is(werr, errNoHeaders) {
		t.Fatalf("WriteFrame = %v, want errNoHeaders", werr)
	}
}

func TestReorderReleasesByWatermark(t *testing.T) {
	t.Parallel()
	r := newReorder(2, 100)
	v := func(pts int64) *types.EncodedFrame { return &types.EncodedFrame{Kind: types.KindVideoDelta, PTS: pts} }
	a := func(pts int64) *types.EncodedFrame { return &types.EncodedFrame{Kind: types.KindAudio, PTS: pts} }

	r.push(v(0))
	r.push(v(40))
	if got := r.ready(); len(got) != 0 {
		t.Fatalf("released %d frames before audio was seen", len(got))
	}
	r.push(a(21))
	got := r.ready()
	if len(got) != 2 || got[0].PTS != 0 || got[1].PTS != 21 {
		t.Fatalf("ready = %v", ptsOf(got))
	}
	r.push(a(42))
	r.push(v(80))
	if got := ptsOf(r.ready()); len(got) != 2 || got[0] != 40 || got[1] != 42 {
		t.Fatalf("ready = %v, want [40 42]", got)
	}
	if got := ptsOf(r.drain()); len(got) != 1 || got[0] != 80 {
		t.Fatalf("drain = %v", got)
	}
}

func TestReorderBounded(t *testing.T) {
	t.Parallel()
	r := newReorder(2, 3)
	for i := 0; i < 5; i++ {
		r.push(&types.EncodedFrame{Kind: types.KindVideoDelta, PTS: int64(i)})
	}
	if got := ptsOf(r.ready()); len(got) != 2 || got[0] != 0 {
		t.Fatalf("ready = %v, want the two oldest", got)
	}
}

func ptsOf(fs []*types.EncodedFrame) []int64 {
	out := make([]int64, len(fs))
	for i, f := range fs {
		out[i] = f.PTS
	}
	return out
}
