package pipeline

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/audio"
	"reelcast/internal/capture"
	"reelcast/internal/compose"
	"reelcast/internal/cursor"
	"reelcast/internal/denoise"
	"reelcast/internal/denoise/rnnoise"
	"reelcast/internal/encode"
	"reelcast/internal/encode/libav"
	"reelcast/internal/encode/openh264"
	"reelcast/internal/platform"
	"reelcast/internal/server"
	"reelcast/internal/sink"
	"reelcast/internal/sink/mp4"
	"reelcast/internal/sink/rtmp"
	"reelcast/internal/sink/whep"
	"reelcast/internal/tls"
	"reelcast/internal/wav"
)

// resources is everything a running session owns.
type resources struct {
	screen     Screen
	outW, outH int

	// epoch is the zero of every frame timestamp
	epoch time.Time

	compositor *compose.Compositor
	tracker    *cursor.Tracker
	poller     cursor.Poller
	region     cursor.Region
	latest     *cursor.Latest

	venc   *encode.VideoEncoder
	annexB bool

	sources  []*audio.Source
	aenc     *encode.AudioEncoder
	denoiser *denoise.Stream

	dispatcher  *sink.Dispatcher
	broadcaster *whep.Broadcaster
	server      *server.Server

	closers []func()
}

func (r *resources) onClose(fn func()) { r.closers = append(r.closers, fn) }

// close releases in reverse order of opening.
func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func openVideoCodec(name string, cfg encode.VideoConfig) (encode.VideoCodec, encode.HeaderMode, error) {
	if name == "openh264" {
		c, err := openh264.New(cfg)
		return c, encode.HeadersProbe, err
	}
	c, err := libav.NewVideo(cfg)
	return c, encode.HeadersInline, err
}

func openAudioCodec(cfg encode.AudioConfig) (encode.AudioCodec, error) {
	return libav.NewAAC(cfg)
}

func (s *Session) open(ctx context.Context) (_ *resources, err error) {
	r := &resources{}
	defer func() {
		if err != nil {
			r.close()
		}
	}()
	if err := s.openVideo(r); err != nil {
		return nil, err
	}
	if s.cfg.Audio.Enabled() {
		if err := s.openAudio(r); err != nil {
			return nil, err
		}
	}
	if err := s.openSinks(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Session) openVideo(r *resources) error {
	cfg := s.cfg
	r.screen = s.screen
	if r.screen == nil {
		desktop, err := platform.ParseDesktop(cfg.Capture.Backend)
		if err != nil {
			return err
		}
		if desktop == platform.DesktopUnknown {
			desktop = platform.Detect()
		}
		src, err := capture.Open(desktop, cfg.Capture.Screen, cfg.Capture.IncludeCursor, cfg.Capture.FPS, s.logger)
		if err != nil {
			return fmt.Errorf("open screen: %w", err)
		}
		r.screen = src
		r.region = screenRegion(desktop, cfg.Capture.Screen, src)
	}
	r.onClose(r.screen.Close)

	w, h := r.screen.Size()
	res, err := compose.ParseResolution(cfg.Video.Resolution)
	if err != nil {
		return err
	}
	r.outW, r.outH = res.Dimensions(w, h)

	filter, err := compose.ParseFilter(cfg.Video.ResizeFilter)
	if err != nil {
		return err
	}
	cc := compose.Config{
		OutputWidth:  r.outW,
		OutputHeight: r.outH,
		Filter:       filter,
		Color:        cfg.Color.Adjust(),
	}
	var camera image.Image
	if cfg.Camera.Enabled {
		if cc.Camera, err = cfg.Camera.Overlay(); err != nil {
			return err
		}
		if camera, err = loadImage(cfg.Camera.Image); err != nil {
			return fmt.Errorf("camera image: %w", err)
		}
	}
	if r.compositor, err = compose.New(cc); err != nil {
		return err
	}
	if camera != nil {
		r.compositor.SetCamera(camera)
	}

	if cfg.Cursor.Follow {
		if err := s.openTracker(r, w, h); err != nil {
			return err
		}
	}

	// WHEP viewers take Annex-B as is; the containers want length prefixes
	r.annexB = cfg.Sinks.WHEP.Enabled && !cfg.Sinks.MP4.Enabled() && !cfg.Sinks.RTMP.Enabled() && len(s.sinks) == 0
	vc := encode.VideoConfig{
		Width:       r.outW,
		Height:      r.outH,
		FPS:         cfg.Capture.FPS,
		BitrateKbps: cfg.Video.BitrateKbps,
		AnnexB:      r.annexB,
	}
	codec, mode, err := s.videoCodec(cfg.Video.Encoder, vc)
	if err != nil {
		return fmt.Errorf("open %s encoder: %w", cfg.Video.Encoder, err)
	}
	if r.venc, err = encode.NewVideoEncoder(vc, codec, mode, s.logger); err != nil {
		codec.Close()
		return err
	}
	r.onClose(r.venc.Close)
	return nil
}

// openTracker sets up cursor following. A desktop without a pointer source
// records the whole screen instead.
func (s *Session) openTracker(r *resources, w, h int) error {
	tc, err := s.cfg.Cursor.Tracker(w, h)
	if err != nil {
		return err
	}
	p := s.poller
	if p == nil {
		if p, err = cursor.NewPoller(); err != nil {
			s.warn(StageCursor, "cursor following disabled", err)
			return nil
		}
	}
	r.onClose(p.Close)
	if r.tracker, err = cursor.NewTracker(tc, time.Second/time.Duration(s.cfg.Capture.FPS)); err != nil {
		return err
	}
	r.poller = p
	r.latest = &cursor.Latest{}
	return nil
}

// screenRegion maps desktop pointer coordinates onto the named output.
func screenRegion(d platform.Desktop, name string, src *capture.Source) cursor.Region {
	region := cursor.Region{Scale: 1}
	screens, err := capture.ListScreens(d)
	if err != nil {
		return region
	}
	w, _ := src.Size()
	for i, sc := range screens {
		if (name == "" && i == 0) || sc.Name == name {
			region.OriginX, region.OriginY = sc.Position.X, sc.Position.Y
			if sc.LogicalSize.Width > 0 {
				region.Scale = float64(w) / float64(sc.LogicalSize.Width)
			}
			break
		}
	}
	return region
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func (s *Session) openAudio(r *resources) error {
	cfg := s.cfg.Audio
	type input struct {
		name    string
		backend audio.Backend
		gain    int
		tap     string
	}
	var inputs []input
	if cfg.Mic || s.mic != nil {
		b := s.mic
		if b == nil {
			var err error
			if b, err = audio.NewMicrophone(cfg.MicDevice, cfg.SampleRate, cfg.Channels); err != nil {
				return fmt.Errorf("open microphone: %w", err)
			}
		}
		inputs = append(inputs, input{"mic", b, cfg.MicGainDB, cfg.MicTap})
	}
	if cfg.Speaker || s.speaker != nil {
		b := s.speaker
		if b == nil {
			var err error
			if b, err = audio.NewSpeaker(cfg.SampleRate, cfg.Channels); err != nil {
				return fmt.Errorf("open speaker loopback: %w", err)
			}
		}
		inputs = append(inputs, input{"speaker", b, cfg.SpeakerGainDB, cfg.SpeakerTap})
	}
	for _, in := range inputs {
		r.sources = append(r.sources, audio.NewSource(in.backend, audio.Options{
			Name:    in.name,
			Gain:    audio.NewGain(in.gain),
			Meter:   audio.NewMeter(),
			TapPath: in.tap,
			Logger:  s.logger,
		}))
	}

	ac := encode.AudioConfig{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitrateKbps: cfg.BitrateKbps}
	codec, err := s.audioCodec(ac)
	if err != nil {
		return fmt.Errorf("open aac encoder: %w", err)
	}
	if r.aenc, err = encode.NewAudioEncoder(ac, codec, s.logger); err != nil {
		codec.Close()
		return err
	}
	r.onClose(r.aenc.Close)

	if cfg.Denoise {
		factory := s.suppressor
		if factory == nil {
			factory = rnnoise.New
		}
		logger := s.logger.Named("vad")
		gate := denoise.NewVADGate(cfg.SampleRate, func(seg denoise.Segment) {
			logger.Debug("speech segment", zap.Duration("start", seg.Start), zap.Duration("end", seg.End))
		})
		f := wav.Format{Channels: cfg.Channels, SampleRate: cfg.SampleRate, BitsPerSample: 32, Float: true}
		d, err := denoise.NewStream(f, factory, gate)
		if err != nil {
			s.warn(StageAudio, "denoise disabled", err)
		} else {
			r.denoiser = d
			r.onClose(d.Close)
		}
	}
	return nil
}

// openSinks attaches the configured outputs. A sink that cannot be opened
// is reported and skipped; the session needs at least one.
func (s *Session) openSinks(ctx context.Context, r *resources) error {
	cfg := s.cfg
	r.dispatcher = sink.NewDispatcher(s.logger,
		sink.WithMetrics(s.metrics),
		sink.WithEvents(func(ev sink.Event) {
			switch ev.Kind {
			case sink.EventAttached:
				s.emit(Event{Stage: StageSink, Kind: EventSinkAttached, Sink: ev.Sink})
			case sink.EventFailed:
				s.logger.Warn("sink failed", zap.String("sink", ev.Sink), zap.Error(ev.Err))
				s.emit(Event{Stage: StageSink, Kind: EventSinkFailed, Sink: ev.Sink, Err: ev.Err})
			}
		}))
	r.onClose(func() { _ = r.dispatcher.Close() })

	withAudio := r.aenc != nil
	attach := func(name string, sk sink.Sink, err error) {
		if err == nil {
			err = r.dispatcher.Add(sk)
		}
		if err != nil {
			s.logger.Warn("sink not attached", zap.String("sink", name), zap.Error(err))
			s.emit(Event{Stage: StageSink, Kind: EventSinkFailed, Sink: name, Err: err})
		}
	}

	if cfg.Sinks.MP4.Enabled() {
		m, err := mp4.Create(mp4.Config{
			Path:             cfg.Sinks.MP4.Path,
			FPS:              cfg.Capture.FPS,
			Audio:            withAudio,
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			FragmentDuration: cfg.Sinks.MP4.FragmentDuration,
		}, s.logger)
		attach("mp4", m, err)
	}
	if cfg.Sinks.RTMP.Enabled() {
		p, err := rtmp.Dial(ctx, rtmp.Config{
			URL:              cfg.Sinks.RTMP.PublishURL(),
			Width:            r.outW,
			Height:           r.outH,
			FPS:              cfg.Capture.FPS,
			VideoBitrateKbps: cfg.Video.BitrateKbps,
			Audio:            withAudio,
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			AudioBitrateKbps: cfg.Audio.BitrateKbps,
			ConnectTimeout:   cfg.Sinks.RTMP.ConnectTimeout,
			ChunkSize:        cfg.Sinks.RTMP.ChunkSize,
			SaveMP4:          cfg.Sinks.RTMP.SaveMP4,
		}, s.logger)
		attach("rtmp", p, err)
	}
	if cfg.Sinks.WHEP.Enabled {
		if err := s.openWHEP(r, withAudio); err != nil {
			attach("whep", nil, err)
		} else {
			attach("whep", r.broadcaster, nil)
		}
	}
	for _, sk := range s.sinks {
		attach(sk.Name(), sk, nil)
	}

	if len(r.dispatcher.Sinks()) == 0 {
		return ErrNoSinks
	}
	return nil
}

func (s *Session) openWHEP(r *resources, withAudio bool) error {
	wc := s.cfg.Sinks.WHEP
	sc := server.Config{
		Addr:          wc.Addr,
		Token:         wc.Token,
		AnswerTimeout: wc.AnswerTimeout,
		Session:       wc.Session(withAudio),
		Gatherer:      s.gatherer,
	}
	if wc.HTTPS {
		tc, err := tls.Config(wc.CertFile, wc.KeyFile, s.logger)
		if err != nil {
			return err
		}
		sc.TLS = tc
	}
	r.broadcaster = whep.New(whep.Config{FPS: s.cfg.Capture.FPS, Audio: withAudio}, s.logger, whep.WithMetrics(s.metrics))
	r.server = server.New(sc, r.broadcaster, s.metrics, s.logger)
	return nil
}
