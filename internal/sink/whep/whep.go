// Package whep fans the encoded stream out to WebRTC viewers. Video goes out
// as Annex-B access units; AAC audio is transcoded to Opus.
package whep

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/h264"
	"reelcast/internal/logging"
	"reelcast/internal/metrics"
	"reelcast/internal/sink"
	"reelcast/internal/types"
)

// Viewer is one connected peer.
type Viewer interface {
	WriteVideo(au []byte, dur time.Duration) error
	WriteAudio(packet []byte, dur time.Duration) error
	OnClosed(fn func())
	Close()
}

type viewer struct {
	id string
	v  Viewer
	// started is set at the first keyframe the viewer receives.
	started bool
}

type Config struct {
	FPS   int
	Audio bool
}

// Broadcaster is a sink.Sink. WriteFrame and Close are called from the
// dispatcher's outlet goroutine; viewers come and go from HTTP handlers.
type Broadcaster struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	newTranscoder func(asc []byte) (AudioTranscoder, error)

	mu      sync.Mutex
	viewers map[string]*viewer
	closed  bool

	headers   *h264.Headers
	lastVideo int64
	haveVideo bool
	asc       []byte
	tc        AudioTranscoder
	tcFailed  bool
	warn      logging.Limiter
}

type Option func(*Broadcaster)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithTranscoder replaces the AAC to Opus transcoder factory.
func WithTranscoder(fn func(asc []byte) (AudioTranscoder, error)) Option {
	return func(b *Broadcaster) { b.newTranscoder = fn }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Broadcaster {
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	b := &Broadcaster{
		cfg:           cfg,
		logger:        logging.OrNop(logger).Named("whep"),
		newTranscoder: NewOpusTranscoder,
		viewers:       make(map[string]*viewer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) Name() string { return "whep" }

// Add registers a viewer under id. The viewer is removed when it closes.
func (b *Broadcaster) Add(id string, v Viewer) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		v.Close()
		return sink.ErrSinkClosed
	}
	if _, ok := b.viewers[id]; ok {
		b.mu.Unlock()
		return fmt.Errorf("whep: duplicate session id %s", id)
	}
	b.viewers[id] = &viewer{id: id, v: v}
	n := len(b.viewers)
	b.mu.Unlock()

	b.metrics.ViewerJoined()
	b.logger.Info("viewer joined", zap.String("session", id), zap.Int("viewers", n))
	v.OnClosed(func() { b.Remove(id) })
	return nil
}

// Remove drops and closes the viewer. It reports whether id was present.
func (b *Broadcaster) Remove(id string) bool {
	b.mu.Lock()
	vw, ok := b.viewers[id]
	delete(b.viewers, id)
	n := len(b.viewers)
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.metrics.ViewerLeft()
	vw.v.Close()
	b.logger.Info("viewer left", zap.String("session", id), zap.Int("viewers", n))
	return true
}

func (b *Broadcaster) Get(id string) (Viewer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vw, ok := b.viewers[id]
	if !ok {
		return nil, false
	}
	return vw.v, true
}

// Sessions returns the connected session ids in order.
func (b *Broadcaster) Sessions() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.viewers))
	for id := range b.viewers {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (b *Broadcaster) snapshot() []*viewer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*viewer, 0, len(b.viewers))
	for _, vw := range b.viewers {
		out = append(out, vw)
	}
	return out
}

func (b *Broadcaster) WriteFrame(f *types.EncodedFrame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return sink.ErrSinkClosed
	}

	switch f.Kind {
	case types.KindVideoSequenceHeader:
		hdr, err := h264.ParseHeaders(f.Data, f.AnnexB)
		if err != nil {
			return fmt.Errorf("whep: video sequence header: %w", err)
		}
		b.headers = hdr
	case types.KindAudioSequenceHeader:
		b.asc = append([]byte(nil), f.Data...)
		if b.tc != nil {
			b.tc.Close()
			b.tc = nil
		}
		b.tcFailed = false
	case types.KindVideoKey, types.KindVideoDelta:
		return b.writeVideo(f)
	case types.KindAudio:
		return b.writeAudio(f)
	}
	return nil
}

func (b *Broadcaster) frameDuration(pts int64) time.Duration {
	dur := time.Second / time.Duration(b.cfg.FPS)
	if b.haveVideo && pts > b.lastVideo {
		dur = time.Duration(pts-b.lastVideo) * time.Millisecond
	}
	b.lastVideo, b.haveVideo = pts, true
	return dur
}

func (b *Broadcaster) writeVideo(f *types.EncodedFrame) error {
	dur := b.frameDuration(f.PTS)
	viewers := b.snapshot()
	if len(viewers) == 0 {
		return nil
	}
	nalus, err := h264.Split(f.Data, f.AnnexB)
	if err != nil {
		return fmt.Errorf("whep: %w", err)
	}
	key := f.Kind == types.KindVideoKey
	if key && b.headers != nil && !h264.HasType(nalus, h264.NALUSPS) {
		nalus = append([][]byte{b.headers.SPS, b.headers.PPS}, nalus...)
	}
	au := h264.JoinAnnexB(nalus...)

	for _, vw := range viewers {
		if !vw.started {
			// a viewer joining mid-GOP waits for the next IDR
			if !key {
				continue
			}
			vw.started = true
		}
		if err := vw.v.WriteVideo(au, dur); err != nil {
			b.logger.Info("dropping viewer after video write error", zap.String("session", vw.id), zap.Error(err))
			b.Remove(vw.id)
		}
	}
	return nil
}

func (b *Broadcaster) writeAudio(f *types.EncodedFrame) error {
	if !b.cfg.Audio {
		return nil
	}
	viewers := b.snapshot()
	if len(viewers) == 0 {
		return nil
	}
	tc := b.transcoder()
	if tc == nil {
		return nil
	}
	packets, err := tc.Transcode(f.Data)
	if err != nil && b.warn.Allow(time.Second) {
		b.logger.Warn("audio transcode failed", zap.Error(err))
	}
	for _, p := range packets {
		for _, vw := range viewers {
			if !vw.started {
				continue
			}
			if err := vw.v.WriteAudio(p, OpusFrameDuration); err != nil {
				b.logger.Info("dropping viewer after audio write error", zap.String("session", vw.id), zap.Error(err))
				b.Remove(vw.id)
			}
		}
	}
	return nil
}

// transcoder is built lazily from the cached AudioSpecificConfig. A failed
// build disables audio until the next sequence header.
func (b *Broadcaster) transcoder() AudioTranscoder {
	if b.tc != nil || b.tcFailed {
		return b.tc
	}
	if b.asc == nil {
		return nil
	}
	tc, err := b.newTranscoder(b.asc)
	if err != nil {
		b.tcFailed = true
		b.logger.Warn("viewers will get video only", zap.Error(err))
		return nil
	}
	b.tc = tc
	return tc
}

// Close disconnects every viewer.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	viewers := b.viewers
	b.viewers = make(map[string]*viewer)
	b.mu.Unlock()

	for _, vw := range viewers {
		b.metrics.ViewerLeft()
		vw.v.Close()
	}
	if b.tc != nil {
		b.tc.Close()
		b.tc = nil
	}
	b.logger.Info("broadcaster closed", zap.Int("viewers", len(viewers)))
	return nil
}

var _ sink.Sink = (*Broadcaster)(nil)
