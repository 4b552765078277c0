// Package mp4 writes the encoded stream as a fragmented MP4 file with one
// H.264 track and an optional AAC track.
package mp4

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
	"go.uber.org/zap"

	"reelcast/internal/h264"
	"reelcast/internal/logging"
	"reelcast/internal/sink"
	"reelcast/internal/types"
)

const (
	videoTimescale = 90000
	aacFrameSize   = 1024
	// maxPending bounds the reorder buffer and the frames held back while
	// waiting for sequence headers.
	maxPending = 256
)

var errNoHeaders = errors.New("mp4: media arrived without sequence headers")

type Config struct {
	Path string
	// FPS sets the duration of the final video sample.
	FPS int
	// Audio adds an AAC track; audio frames are ignored otherwise.
	Audio      bool
	SampleRate int
	Channels   int
	// FragmentDuration caps a fragment; fragments also start at every
	// video keyframe. Default one second.
	FragmentDuration time.Duration
}

type track struct {
	id         uint32
	timescale  uint32
	defaultDur uint32

	prev     *types.EncodedFrame
	prevTime uint64
	lastDur  uint32
	next     uint64 // earliest decode time for the following sample
	samples  []mp4ff.FullSample
	written  int
}

func (t *track) time(ptsMS int64) uint64 {
	if ptsMS < 0 {
		ptsMS = 0
	}
	ts := (uint64(ptsMS)*uint64(t.timescale) + 500) / 1000
	return max(ts, t.next)
}

// Muxer is a sink.Sink writing fragmented MP4.
type Muxer struct {
	cfg    Config
	name   string
	logger *zap.Logger

	out io.WriteCloser
	w   *bufio.Writer

	headers *h264.Headers
	asc     []byte
	video   *track
	audio   *track
	inited  bool

	pending   *reorder
	seq       uint32
	fragStart int64
	closed    bool
}

// Create opens cfg.Path for writing, creating parent directories.
func Create(cfg Config, logger *zap.Logger) (*Muxer, error) {
	if cfg.Path == "" {
		return nil, errors.New("mp4: empty output path")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mp4: create output dir: %w", err)
		}
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("mp4: %w", err)
	}
	return New(f, cfg, logger), nil
}

// New writes to out, which is closed by Close.
func New(out io.WriteCloser, cfg Config, logger *zap.Logger) *Muxer {
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	if cfg.FragmentDuration <= 0 {
		cfg.FragmentDuration = time.Second
	}
	tracks := 1
	if cfg.Audio {
		tracks = 2
	}
	m := &Muxer{
		cfg:     cfg,
		name:    "mp4",
		logger:  logging.OrNop(logger).Named("mp4"),
		out:     out,
		w:       bufio.NewWriterSize(out, 1<<20),
		pending: newReorder(tracks, maxPending),
		seq:     1,
	}
	m.video = &track{id: 1, timescale: videoTimescale, defaultDur: uint32(videoTimescale / cfg.FPS)}
	if cfg.Audio {
		m.audio = &track{id: 2, timescale: uint32(cfg.SampleRate), defaultDur: aacFrameSize}
	}
	return m
}

// Named changes the sink name reported to the dispatcher.
func (m *Muxer) Named(name string) *Muxer {
	m.name = name
	return m
}

func (m *Muxer) Name() string { return m.name }

func (m *Muxer) WriteFrame(f *types.EncodedFrame) error {
	if m.closed {
		return sink.ErrSinkClosed
	}
	switch f.Kind {
	case types.KindVideoSequenceHeader:
		hdr, err := h264.ParseHeaders(f.Data, f.AnnexB)
		if err != nil {
			return fmt.Errorf("mp4: video sequence header: %w", err)
		}
		if m.inited {
			if !bytes.Equal(hdr.SPS, m.headers.SPS) {
				m.logger.Warn("parameter sets changed after init segment; keeping the first")
			}
			return nil
		}
		m.headers = hdr
		return m.tryInit()
	case types.KindAudioSequenceHeader:
		if m.audio == nil || m.inited {
			return nil
		}
		m.asc = bytes.Clone(f.Data)
		return m.tryInit()
	case types.KindEnd:
		return nil
	case types.KindAudio:
		if m.audio == nil {
			return nil
		}
	}

	m.pending.push(f)
	if !m.inited {
		if m.pending.len() > maxPending {
			return errNoHeaders
		}
		return nil
	}
	return m.release(m.pending.ready())
}

func (m *Muxer) tryInit() error {
	if m.headers == nil || (m.audio != nil && m.asc == nil) {
		return nil
	}
	init := mp4ff.CreateEmptyInit()
	init.AddEmptyTrack(videoTimescale, "video", "und")
	vt := init.Moov.Traks[0]
	if err := vt.SetAVCDescriptor("avc1", [][]byte{m.headers.SPS}, [][]byte{m.headers.PPS}, true); err != nil {
		return fmt.Errorf("mp4: avc descriptor: %w", err)
	}
	if m.audio != nil {
		init.AddEmptyTrack(uint32(m.cfg.SampleRate), "audio", "und")
		stsd := init.Moov.Traks[1].Mdia.Minf.Stbl.Stsd
		esds := mp4ff.CreateEsdsBox(m.asc)
		stsd.AddChild(mp4ff.CreateAudioSampleEntryBox("mp4a",
			uint16(m.cfg.Channels), 16, uint16(m.cfg.SampleRate), esds))
	}
	if err := init.Encode(m.w); err != nil {
		return fmt.Errorf("mp4: write init segment: %w", err)
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("mp4: %w", err)
	}
	m.inited = true

	w, h, _ := m.headers.Dimensions()
	m.logger.Info("init segment written",
		zap.Int("width", w), zap.Int("height", h), zap.Bool("audio", m.audio != nil))
	return m.release(m.pending.ready())
}

func (m *Muxer) release(frames []*types.EncodedFrame) error {
	for _, f := range frames {
		if err := m.add(f); err != nil {
			return err
		}
	}
	return nil
}

// add completes the previous sample of f's track, cuts a fragment when f
// starts a GOP or the fragment is full, and holds f until its duration is
// known.
func (m *Muxer) add(f *types.EncodedFrame) error {
	tr := m.audio
	if f.IsVideo() {
		tr = m.video
	}
	now := tr.time(f.PTS)
	if tr.prev != nil {
		m.complete(tr, uint32(max(now-tr.prevTime, 1)))
		now = tr.time(f.PTS)
	}

	full := f.PTS-m.fragStart >= m.cfg.FragmentDuration.Milliseconds()
	if f.Kind == types.KindVideoKey || full {
		if err := m.cut(); err != nil {
			return err
		}
		m.fragStart = f.PTS
	}

	data := f.Data
	if f.IsVideo() && f.AnnexB {
		data = h264.ToLengthPrefixed(data)
	}
	tr.prev = &types.EncodedFrame{Kind: f.Kind, PTS: f.PTS, Data: data}
	tr.prevTime = now
	return nil
}

func (m *Muxer) complete(tr *track, dur uint32) {
	p := tr.prev
	flags := mp4ff.SyncSampleFlags
	if p.Kind == types.KindVideoDelta {
		flags = mp4ff.NonSyncSampleFlags
	}
	tr.samples = append(tr.samples, mp4ff.FullSample{
		Sample: mp4ff.Sample{
			Flags: flags,
			Dur:   dur,
			Size:  uint32(len(p.Data)),
		},
		DecodeTime: tr.prevTime,
		Data:       p.Data,
	})
	tr.lastDur = dur
	tr.next = tr.prevTime + uint64(dur)
	tr.prev = nil
}

// cut writes the collected samples as one styp+moof+mdat segment.
func (m *Muxer) cut() error {
	var ids []uint32
	for _, tr := range m.tracks() {
		if len(tr.samples) > 0 {
			ids = append(ids, tr.id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	frag, err := mp4ff.CreateMultiTrackFragment(m.seq, ids)
	if err != nil {
		return fmt.Errorf("mp4: create fragment: %w", err)
	}
	for _, tr := range m.tracks() {
		for _, s := range tr.samples {
			if err := frag.AddFullSampleToTrack(s, tr.id); err != nil {
				return fmt.Errorf("mp4: add sample: %w", err)
			}
		}
		tr.written += len(tr.samples)
		tr.samples = tr.samples[:0]
	}
	seg := mp4ff.NewMediaSegment()
	seg.AddFragment(frag)
	if err := seg.Encode(m.w); err != nil {
		return fmt.Errorf("mp4: write fragment %d: %w", m.seq, err)
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("mp4: %w", err)
	}
	m.seq++
	return nil
}

func (m *Muxer) tracks() []*track {
	if m.audio == nil {
		return []*track{m.video}
	}
	return []*track{m.video, m.audio}
}

// Close releases held frames, writes the last fragment and closes the file.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.inited {
		err = m.release(m.pending.drain())
		for _, tr := range m.tracks() {
			if tr.prev != nil {
				dur := tr.lastDur
				if dur == 0 {
					dur = tr.defaultDur
				}
				m.complete(tr, dur)
			}
		}
		if err == nil {
			err = m.cut()
		}
		m.logger.Info("mp4 finished",
			zap.Int("video_samples", m.video.written),
			zap.Uint32("fragments", m.seq-1))
	} else if n := m.pending.len(); n > 0 {
		err = fmt.Errorf("%w: %d frames discarded", errNoHeaders, n)
	}
	if ferr := m.w.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("mp4: %w", ferr)
	}
	if cerr := m.out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("mp4: %w", cerr)
	}
	return err
}

var _ sink.Sink = (*Muxer)(nil)
