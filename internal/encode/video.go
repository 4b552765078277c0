package encode

import (
	"fmt"

	"go.uber.org/zap"

	"reelcast/internal/h264"
	"reelcast/internal/logging"
	"reelcast/internal/types"
	"reelcast/internal/yuv"
)

// HeaderMode selects how an encoder obtains SPS/PPS.
type HeaderMode int

const (
	// HeadersInline codecs repeat SPS/PPS in every keyframe; the first
	// keyframe's sets are cached.
	HeadersInline HeaderMode = iota
	// HeadersProbe codecs encode a black probe picture at construction to
	// learn SPS/PPS; the sets are then stripped from every output packet.
	HeadersProbe
)

// VideoEncoder adapts a VideoCodec to types.VideoEncoder.
type VideoEncoder struct {
	cfg    VideoConfig
	codec  VideoCodec
	mode   HeaderMode
	logger *zap.Logger

	headers *h264.Headers
	yuvBuf  *types.PixelBuffer
	pending []Packet
	frames  int64
	lastPTS int64
	flushed bool
}

// NewVideoEncoder wraps codec. For HeadersProbe it runs the probe encode
// before returning.
func NewVideoEncoder(cfg VideoConfig, codec VideoCodec, mode HeaderMode, logger *zap.Logger) (*VideoEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &VideoEncoder{
		cfg:     cfg,
		codec:   codec,
		mode:    mode,
		logger:  logging.OrNop(logger).Named("encode"),
		lastPTS: -1,
	}
	if mode == HeadersProbe {
		if err := e.probe(); err != nil {
			return nil, err
		}
	}
	e.logger.Info("video encoder ready",
		zap.String("codec", codec.Name()),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("fps", cfg.FPS),
		zap.Int("bitrate_kbps", cfg.BitrateKbps),
		zap.Bool("annexb", cfg.AnnexB))
	return e, nil
}

// probe encodes one black picture and keeps its parameter sets. The picture
// itself is not part of the stream.
func (e *VideoEncoder) probe() error {
	black := types.NewPixelBuffer(e.cfg.Width, e.cfg.Height, types.PixelFormatYUV420P)
	y, u, v := yuv.Planes(black)
	clear(y)
	for i := range u {
		u[i], v[i] = 128, 128
	}
	pkts, err := e.codec.Encode(black.Data, 0, true)
	if err != nil {
		return fmt.Errorf("%w: probe frame: %v", ErrEncode, err)
	}
	for _, p := range pkts {
		if hdr, err := h264.ParseHeaders(p.Data, true); err == nil {
			e.headers = hdr
			return nil
		}
	}
	return fmt.Errorf("%w: probe frame produced no sps/pps", ErrEncode)
}

// Headers returns SPS then PPS in the configured framing.
func (e *VideoEncoder) Headers() ([]byte, error) {
	if e.headers == nil {
		return nil, ErrHeadersNotReady
	}
	return e.headers.Bytes(e.cfg.AnnexB), nil
}

// ParameterSets returns the cached SPS/PPS, or nil before they are known.
func (e *VideoEncoder) ParameterSets() *h264.Headers { return e.headers }

// EncodeFrame encodes one picture and hands every packet the codec has
// ready to sink, oldest first. RGB input is converted to I420 first. Nothing
// reaches sink while the codec is buffering.
func (e *VideoEncoder) EncodeFrame(frame *types.PixelBuffer, sink func(*types.EncodedFrame) error) error {
	if e.flushed {
		return ErrFlushed
	}
	if frame.Width != e.cfg.Width || frame.Height != e.cfg.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize,
			frame.Width, frame.Height, e.cfg.Width, e.cfg.Height)
	}

	pic := frame
	if frame.Format != types.PixelFormatYUV420P {
		var err error
		e.yuvBuf, err = yuv.FromRGB(frame, e.yuvBuf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncode, err)
		}
		pic = e.yuvBuf
	}

	pts := frame.Timestamp.Milliseconds()
	if pts <= e.lastPTS {
		pts = e.lastPTS + 1
	}
	e.lastPTS = pts

	forceIDR := e.frames%int64(e.cfg.KeyframeInterval()) == 0
	e.frames++
	pkts, err := e.codec.Encode(pic.Data, pts, forceIDR)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	e.pending = append(e.pending, pkts...)
	return e.drain(sink)
}

// drain converts and delivers every pending packet.
func (e *VideoEncoder) drain(sink func(*types.EncodedFrame) error) error {
	for {
		f, err := e.next()
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if err := sink(f); err != nil {
			return err
		}
	}
}

// next converts the oldest pending packet.
func (e *VideoEncoder) next() (*types.EncodedFrame, error) {
	for len(e.pending) > 0 {
		p := e.pending[0]
		e.pending = e.pending[1:]
		f, err := e.convert(p)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, nil
}

func (e *VideoEncoder) convert(p Packet) (*types.EncodedFrame, error) {
	nalus := h264.SplitAnnexB(p.Data)
	if len(nalus) == 0 {
		return nil, nil
	}
	key := p.Key || h264.IsKeyframe(nalus)
	if key && e.headers == nil {
		sps, pps := h264.ParameterSets(nalus)
		if sps != nil && pps != nil {
			hdr, err := h264.NewHeaders(sps, pps)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEncode, err)
			}
			e.headers = hdr
		}
	}
	if e.mode == HeadersProbe {
		nalus = h264.StripParameterSets(nalus)
		if len(nalus) == 0 {
			return nil, nil
		}
	}

	var data []byte
	if e.cfg.AnnexB {
		data = h264.JoinAnnexB(nalus...)
	} else {
		data = h264.JoinLengthPrefixed(nalus...)
	}
	kind := types.KindVideoDelta
	if key {
		kind = types.KindVideoKey
	}
	return &types.EncodedFrame{Kind: kind, PTS: p.PTS, Data: data, AnnexB: e.cfg.AnnexB}, nil
}

// Flush drains the codec into sink. The encoder accepts no frames afterwards.
func (e *VideoEncoder) Flush(sink func(*types.EncodedFrame) error) error {
	if e.flushed {
		return ErrFlushed
	}
	e.flushed = true
	pkts, err := e.codec.Drain()
	if err != nil {
		return fmt.Errorf("%w: drain: %v", ErrEncode, err)
	}
	e.pending = append(e.pending, pkts...)
	return e.drain(sink)
}

func (e *VideoEncoder) Close() { e.codec.Close() }

var _ types.VideoEncoder = (*VideoEncoder)(nil)
