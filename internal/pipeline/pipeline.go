// Package pipeline runs a recording session: screen and audio sources, the
// cursor tracker, the compositor, both encoders and the sink dispatcher,
// each on its own goroutine and joined on shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reelcast/internal/audio"
	"reelcast/internal/capture"
	"reelcast/internal/config"
	"reelcast/internal/cursor"
	"reelcast/internal/denoise"
	"reelcast/internal/encode"
	"reelcast/internal/lifecycle"
	"reelcast/internal/logging"
	"reelcast/internal/metrics"
	"reelcast/internal/queue"
	"reelcast/internal/sink"
	"reelcast/internal/types"
)

const (
	rawVideoQueue = 4
	composedQueue = 2
	rawAudioQueue = 8
	// encodedBuffer is the capacity of the blocking encoder-to-dispatch channels.
	encodedBuffer = 16
	eventBuffer   = 64
)

// ErrNoSinks is reported when every sink has failed or none could be opened.
var ErrNoSinks = errors.New("pipeline: no sink left")

// Stage names a worker in events and errors.
type Stage string

const (
	StageCapture     Stage = "capture"
	StageCursor      Stage = "cursor"
	StageCompose     Stage = "compose"
	StageVideoEncode Stage = "video-encode"
	StageAudio       Stage = "audio"
	StageAudioEncode Stage = "audio-encode"
	StageSink        Stage = "sink"
	StageServer      Stage = "server"
)

type EventKind int

const (
	// EventStarted is sent once every worker is running.
	EventStarted EventKind = iota
	// EventWarning reports a problem the session carries on through, such
	// as a feature that had to be disabled.
	EventWarning
	EventSinkAttached
	// EventSinkFailed reports a sink that was dropped; the others continue.
	EventSinkFailed
	// EventFailed reports the stage error that ends the session.
	EventFailed
	// EventStopped is the last event. Reason says why the session ended.
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventWarning:
		return "warning"
	case EventSinkAttached:
		return "sink-attached"
	case EventSinkFailed:
		return "sink-failed"
	case EventFailed:
		return "failed"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Event struct {
	Stage  Stage
	Kind   EventKind
	Sink   string
	Err    error
	Reason lifecycle.Reason
}

// Screen is the capture side of a session. *capture.Source implements it.
type Screen interface {
	Size() (width, height int)
	Stream(cfg capture.StreamConfig, out *queue.Queue[*types.PixelBuffer]) (lifecycle.Reason, error)
	Close()
}

// VideoCodecFunc opens the H.264 backend named by video.encoder.
type VideoCodecFunc func(name string, cfg encode.VideoConfig) (encode.VideoCodec, encode.HeaderMode, error)

// AudioCodecFunc opens the AAC backend.
type AudioCodecFunc func(cfg encode.AudioConfig) (encode.AudioCodec, error)

// Session is one recording, from Run until its sources stop.
type Session struct {
	ID string

	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	events   chan Event
	sig      *lifecycle.Signal
	finished atomic.Bool
	ran      atomic.Bool

	// replaceable platform pieces
	screen     Screen
	videoCodec VideoCodecFunc
	audioCodec AudioCodecFunc
	mic        audio.Backend
	speaker    audio.Backend
	poller     cursor.Poller
	suppressor denoise.Factory
	sinks      []sink.Sink

	emitMu sync.Mutex
	closed bool
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithGatherer sets the registry served on metrics_addr and the WHEP server.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Session) { s.gatherer = g }
}

// WithScreen uses an already opened screen instead of opening capture.screen.
func WithScreen(sc Screen) Option {
	return func(s *Session) { s.screen = sc }
}

func WithVideoCodec(fn VideoCodecFunc) Option {
	return func(s *Session) { s.videoCodec = fn }
}

func WithAudioCodec(fn AudioCodecFunc) Option {
	return func(s *Session) { s.audioCodec = fn }
}

// WithAudioBackends replaces the microphone and speaker devices. A nil
// backend leaves that source to the configuration.
func WithAudioBackends(mic, speaker audio.Backend) Option {
	return func(s *Session) { s.mic, s.speaker = mic, speaker }
}

func WithCursorPoller(p cursor.Poller) Option {
	return func(s *Session) { s.poller = p }
}

func WithSuppressor(f denoise.Factory) Option {
	return func(s *Session) { s.suppressor = f }
}

// WithSink attaches an extra sink next to the configured ones.
func WithSink(sk sink.Sink) Option {
	return func(s *Session) { s.sinks = append(s.sinks, sk) }
}

// New validates cfg and prepares a session. Devices and sinks are opened by
// Run.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:         uuid.NewString(),
		cfg:        cfg,
		events:     make(chan Event, eventBuffer),
		sig:        lifecycle.NewSignal(),
		videoCodec: openVideoCodec,
		audioCodec: openAudioCodec,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrNop(s.logger).Named("pipeline").With(zap.String("session", s.ID))
	return s, nil
}

// Events delivers session events. Sends never block: when the buffer is
// full, events are dropped. The channel is closed after EventStopped.
func (s *Session) Events() <-chan Event { return s.events }

// Stop asks every source to finish. Buffered frames are still encoded and
// written, and Run returns once the sinks are closed.
func (s *Session) Stop() { s.sig.Cancel() }

func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", zap.Stringer("kind", ev.Kind), zap.String("stage", string(ev.Stage)))
	}
}

func (s *Session) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// fail reports err as the stage failure that ends the session.
func (s *Session) fail(stage Stage, err error) error {
	err = fmt.Errorf("%s: %w", stage, err)
	s.logger.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
	s.emit(Event{Stage: stage, Kind: EventFailed, Err: err})
	return err
}

func (s *Session) warn(stage Stage, msg string, err error) {
	s.logger.Warn(msg, zap.String("stage", string(stage)), zap.Error(err))
	s.emit(Event{Stage: stage, Kind: EventWarning, Err: fmt.Errorf("%s: %w", msg, err)})
}

// Run opens every source, encoder and sink, then records until ctx is done,
// Stop is called, the screen ends or a stage fails. Startup errors leave
// nothing open. A session runs once.
func (s *Session) Run(ctx context.Context) (reason lifecycle.Reason, err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return lifecycle.Failed, errors.New("pipeline: session already ran")
	}
	defer func() {
		s.emit(Event{Kind: EventStopped, Reason: reason, Err: err})
		s.closeEvents()
	}()

	r, err := s.open(ctx)
	if err != nil {
		s.emit(Event{Kind: EventFailed, Err: err})
		return lifecycle.Failed, err
	}
	defer r.close()

	s.sig.Watch(ctx)
	// sources stop on the signal; downstream stages drain their inputs and
	// only abort early when a stage fails
	srcCtx, cancelSrc := s.sig.Context(context.Background())
	defer cancelSrc()
	g, gctx := errgroup.WithContext(context.Background())
	s.sig.Watch(gctx)

	raw := queue.New[*types.PixelBuffer](rawVideoQueue, func(*types.PixelBuffer) { s.metrics.Dropped("video") })
	composed := queue.New[*types.PixelBuffer](composedQueue, func(*types.PixelBuffer) { s.metrics.Dropped("composed") })
	videoOut := make(chan *types.EncodedFrame, encodedBuffer)

	// video and audio share one clock, started once every device and sink
	// is open
	r.epoch = time.Now()
	for _, src := range r.sources {
		src.SetEpoch(r.epoch)
	}
	g.Go(func() error { return s.runCapture(r, raw) })
	if r.tracker != nil {
		g.Go(func() error {
			cursor.Poll(srcCtx, r.poller, s.cfg.Cursor.PollInterval, r.region, r.latest, s.logger.Named("cursor"))
			return nil
		})
	}
	g.Go(func() error { return s.runCompose(gctx, r, raw, composed) })
	g.Go(func() error { return s.runVideoEncode(gctx, r, composed, videoOut) })

	var audioOut chan *types.EncodedFrame
	if r.aenc != nil {
		audioOut = make(chan *types.EncodedFrame, encodedBuffer)
		mixed := queue.New[*types.AudioFrame](rawAudioQueue, func(*types.AudioFrame) { s.metrics.Dropped("audio") })
		s.startAudio(g, srcCtx, gctx, r, mixed)
		g.Go(func() error { return s.runAudioEncode(gctx, r, mixed, audioOut) })
	}
	g.Go(func() error { return s.runDispatch(gctx, r, videoOut, audioOut) })

	if r.server != nil {
		g.Go(func() error {
			if err := r.server.ListenAndServe(srcCtx); err != nil {
				return s.fail(StageServer, err)
			}
			return nil
		})
	}
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := serveMetrics(srcCtx, s.cfg.MetricsAddr, s.gatherer, s.logger); err != nil {
				return s.fail(StageServer, err)
			}
			return nil
		})
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		s.reportStats(statsCtx, raw, composed, statsInterval)
	}()

	s.logger.Info("session started",
		zap.Strings("sinks", r.dispatcher.Sinks()),
		zap.Int("width", r.outW), zap.Int("height", r.outH),
		zap.Int("fps", s.cfg.Capture.FPS),
		zap.Bool("audio", r.aenc != nil),
		zap.Bool("follow_cursor", r.tracker != nil))
	s.emit(Event{Kind: EventStarted})

	err = g.Wait()
	stopStats()
	<-statsDone

	switch {
	case err != nil:
		reason = lifecycle.Failed
	case s.finished.Load():
		reason = lifecycle.Finished
	default:
		reason = lifecycle.Stopped
	}
	s.logger.Info("session ended", zap.Stringer("reason", reason), zap.Error(err))
	return reason, err
}

// send blocks until out accepts f or ctx is done.
func send(ctx context.Context, out chan<- *types.EncodedFrame, f *types.EncodedFrame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

const statsInterval = 5 * time.Second
