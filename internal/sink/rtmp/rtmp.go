// Package rtmp publishes the encoded stream to an RTMP server.
package rtmp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gortmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"reelcast/internal/h264"
	"reelcast/internal/logging"
	"reelcast/internal/sink"
	"reelcast/internal/sink/mp4"
	"reelcast/internal/types"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultChunkSize      = 4096

	commandChunkStream = 3
	audioChunkStream   = 4
	dataChunkStream    = 5
	videoChunkStream   = 6
)

var ErrTimeout = errors.New("rtmp: connect timed out")

type Config struct {
	URL string

	Width, Height    int
	FPS              int
	VideoBitrateKbps int

	Audio            bool
	SampleRate       int
	Channels         int
	AudioBitrateKbps int

	ConnectTimeout time.Duration
	ChunkSize      uint32

	// SaveMP4, when set, also records the pushed stream to this path.
	SaveMP4 string
}

// Publisher is a sink.Sink pushing to one RTMP publish point.
type Publisher struct {
	cfg    Config
	target Target
	logger *zap.Logger

	connMu sync.Mutex
	client *gortmp.ClientConn
	stream *gortmp.Stream

	headers  *h264.Headers
	metaSent bool
	frames   int
	local    *mp4.Muxer
	closed   bool
}

// Dial connects, runs connect/createStream/publish and returns a publisher
// ready for frames. The whole exchange is bounded by cfg.ConnectTimeout.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	target, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	p := &Publisher{
		cfg:    cfg,
		target: target,
		logger: logging.OrNop(logger).Named("rtmp").With(zap.String("addr", target.Addr), zap.String("app", target.App)),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.open(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			p.closeConn()
			return nil, err
		}
	case <-ctx.Done():
		p.closeConn()
		// the handshake may still be running; release what it opens
		go func() {
			<-done
			p.closeConn()
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, cfg.ConnectTimeout)
		}
		return nil, ctx.Err()
	}

	if cfg.SaveMP4 != "" {
		local, err := mp4.Create(mp4.Config{
			Path:       cfg.SaveMP4,
			FPS:        cfg.FPS,
			Audio:      cfg.Audio,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}, logger)
		if err != nil {
			p.closeConn()
			return nil, err
		}
		p.local = local.Named("rtmp-mp4")
	}
	p.logger.Info("publishing", zap.String("name", target.Name), zap.Uint32("chunk_size", cfg.ChunkSize))
	return p, nil
}

func (p *Publisher) open(ctx context.Context) error {
	dialer := &net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		dialer.Deadline = dl
	}
	client, err := gortmp.DialWithDialer(dialer, "rtmp", p.target.Addr, &gortmp.ConnConfig{
		Logger: logging.Logrus(p.logger),
	})
	if err != nil {
		return fmt.Errorf("rtmp: dial %s: %w", p.target.Addr, err)
	}
	p.connMu.Lock()
	p.client = client
	p.connMu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      p.target.App,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; reelcast)",
			TCURL:    p.target.TCURL,
		},
	}); err != nil {
		return fmt.Errorf("rtmp: connect: %w", err)
	}
	stream, err := client.CreateStream(nil, p.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("rtmp: createStream: %w", err)
	}
	p.connMu.Lock()
	p.stream = stream
	p.connMu.Unlock()
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: p.target.Name,
		PublishingType: "live",
	}); err != nil {
		return fmt.Errorf("rtmp: publish: %w", err)
	}
	return nil
}

func (p *Publisher) Name() string { return "rtmp" }

func (p *Publisher) WriteFrame(f *types.EncodedFrame) error {
	if p.closed {
		return sink.ErrSinkClosed
	}
	if p.local != nil {
		if err := p.local.WriteFrame(f); err != nil {
			p.logger.Warn("local mp4 copy failed, stopping it", zap.Error(err))
			_ = p.local.Close()
			p.local = nil
		}
	}

	switch f.Kind {
	case types.KindVideoSequenceHeader:
		hdr, err := h264.ParseHeaders(f.Data, f.AnnexB)
		if err != nil {
			return fmt.Errorf("rtmp: video sequence header: %w", err)
		}
		p.headers = hdr
		if err := p.sendMetadata(); err != nil {
			return err
		}
		payload, err := videoSequenceHeader(hdr)
		if err != nil {
			return err
		}
		return p.write(videoChunkStream, 0, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(payload)})

	case types.KindAudioSequenceHeader:
		if err := p.sendMetadata(); err != nil {
			return err
		}
		return p.write(audioChunkStream, 0, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(audioSequenceHeader(f.Data))})

	case types.KindVideoKey, types.KindVideoDelta:
		if p.headers == nil {
			// a decoder cannot start without the sequence header
			return nil
		}
		nalus, err := h264.Split(f.Data, f.AnnexB)
		if err != nil {
			return fmt.Errorf("rtmp: %w", err)
		}
		payload, _ := videoPacket(nalus)
		p.frames++
		return p.write(videoChunkStream, timestamp(f.PTS), &rtmpmsg.VideoMessage{Payload: bytes.NewReader(payload)})

	case types.KindAudio:
		if err := p.sendMetadata(); err != nil {
			return err
		}
		return p.write(audioChunkStream, timestamp(f.PTS), &rtmpmsg.AudioMessage{Payload: bytes.NewReader(audioPacket(f.Data))})
	}
	return nil
}

// sendMetadata sends onMetaData once, ahead of every media message.
func (p *Publisher) sendMetadata() error {
	if p.metaSent {
		return nil
	}
	md := Metadata{
		Width:            p.cfg.Width,
		Height:           p.cfg.Height,
		FrameRate:        p.cfg.FPS,
		VideoBitrateKbps: p.cfg.VideoBitrateKbps,
		Audio:            p.cfg.Audio,
		SampleRate:       p.cfg.SampleRate,
		Channels:         p.cfg.Channels,
		AudioBitrateKbps: p.cfg.AudioBitrateKbps,
	}
	if (md.Width == 0 || md.Height == 0) && p.headers != nil {
		if w, h, err := p.headers.Dimensions(); err == nil {
			md.Width, md.Height = w, h
		}
	}
	body, err := md.encode()
	if err != nil {
		return err
	}
	p.metaSent = true
	return p.write(dataChunkStream, 0, &rtmpmsg.DataMessage{
		Name:     "@setDataFrame",
		Encoding: rtmpmsg.EncodingTypeAMF0,
		Body:     bytes.NewReader(body),
	})
}

func (p *Publisher) write(chunkStreamID int, ts uint32, msg rtmpmsg.Message) error {
	if err := p.stream.Write(chunkStreamID, ts, msg); err != nil {
		return fmt.Errorf("rtmp: write: %w", err)
	}
	return nil
}

// timestamp wraps at 2^32 ms like the RTMP clock.
func timestamp(ptsMS int64) uint32 {
	if ptsMS < 0 {
		return 0
	}
	return uint32(ptsMS)
}

// Close stops publishing and closes the connection and the local copy.
func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	if p.local != nil {
		err = p.local.Close()
		p.local = nil
	}
	p.unpublish()
	p.closeConn()
	p.logger.Info("publish stopped", zap.Int("video_frames", p.frames))
	return err
}

// unpublish tells the server the stream is over so it can finalize
// recordings and free the stream key. Failures only cost a timeout on the
// server side.
func (p *Publisher) unpublish() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.stream == nil || p.client == nil {
		return
	}
	buf := new(bytes.Buffer)
	enc := rtmpmsg.NewAMFEncoder(buf, rtmpmsg.EncodingTypeAMF0)
	if err := rtmpmsg.EncodeBodyAnyValues(enc, &rtmpmsg.NetStreamFCUnpublish{StreamName: p.target.Name}); err == nil {
		err = p.stream.Write(commandChunkStream, 0, &rtmpmsg.CommandMessage{
			CommandName: "FCUnpublish",
			Encoding:    rtmpmsg.EncodingTypeAMF0,
			Body:        buf,
		})
		if err != nil {
			p.logger.Debug("FCUnpublish", zap.Error(err))
		}
	}
	if err := p.client.DeleteStream(&rtmpmsg.NetStreamDeleteStream{StreamID: p.stream.StreamID()}); err != nil {
		p.logger.Debug("deleteStream", zap.Error(err))
	}
}

func (p *Publisher) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}

var _ sink.Sink = (*Publisher)(nil)
