//go:build cgo

package libav

/*
#cgo pkg-config: libavcodec libavutil
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	int width;
	int height;
} H264Encoder;

static void h264_encoder_destroy(H264Encoder *e) {
	if (!e) return;
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}

// Timestamps are milliseconds, so the time base is 1/1000.
static H264Encoder* h264_encoder_init(int width, int height, int fps,
                                      int bitrate_kbps, int keyint) {
	const AVCodec *codec = avcodec_find_encoder_by_name("libx264");
	if (!codec) return NULL;

	H264Encoder *e = (H264Encoder*)calloc(1, sizeof(H264Encoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { h264_encoder_destroy(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, 1000};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	e->ctx->color_range = AVCOL_RANGE_JPEG;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	if (bitrate_kbps > 0) e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
	av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
	av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
	av_opt_set_int(e->ctx->priv_data, "forced-idr", 1, 0);
	av_opt_set_int(e->ctx->priv_data, "sc_threshold", 0, 0);
	av_opt_set_int(e->ctx->priv_data, "rc-lookahead", 0, 0);
	av_opt_set(e->ctx->priv_data, "x264-params", "scenecut=0:repeat-headers=1", 0);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) { h264_encoder_destroy(e); return NULL; }

	e->frame = av_frame_alloc();
	e->pkt = av_packet_alloc();
	if (!e->frame || !e->pkt) { h264_encoder_destroy(e); return NULL; }
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	if (av_frame_get_buffer(e->frame, 0) < 0) { h264_encoder_destroy(e); return NULL; }
	return e;
}

// h264_encoder_send copies one [Y | U | V] picture and submits it. A NULL
// picture signals end of stream.
static int h264_encoder_send(H264Encoder *e, const uint8_t *yuv, int64_t pts, int force_idr) {
	if (!yuv) return avcodec_send_frame(e->ctx, NULL);
	if (av_frame_make_writable(e->frame) < 0) return -1;

	int w = e->width, h = e->height;
	int cw = (w + 1) / 2, ch = (h + 1) / 2;
	const uint8_t *src = yuv;
	for (int y = 0; y < h; y++)
		memcpy(e->frame->data[0] + y * e->frame->linesize[0], src + y * w, w);
	src += w * h;
	for (int y = 0; y < ch; y++)
		memcpy(e->frame->data[1] + y * e->frame->linesize[1], src + y * cw, cw);
	src += cw * ch;
	for (int y = 0; y < ch; y++)
		memcpy(e->frame->data[2] + y * e->frame->linesize[2], src + y * cw, cw);

	e->frame->pts = pts;
	e->frame->pict_type = force_idr ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;
	return avcodec_send_frame(e->ctx, e->frame);
}

// h264_encoder_receive returns 1 with a packet, 0 when the codec needs more
// input or is drained, negative on error.
static int h264_encoder_receive(H264Encoder *e, uint8_t **buf, int *size,
                                int64_t *pts, int *key) {
	int ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return ret;
	*buf = e->pkt->data;
	*size = e->pkt->size;
	*pts = e->pkt->pts;
	*key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 1;
}

static void h264_encoder_unref(H264Encoder *e) { av_packet_unref(e->pkt); }
*/
import "C"
import (
	"fmt"
	"unsafe"

	"reelcast/internal/encode"
)

// VideoCodec is libx264 driven through libavcodec. It emits Annex-B with
// SPS/PPS repeated on every keyframe.
type VideoCodec struct {
	e       *C.H264Encoder
	cfg     encode.VideoConfig
	drained bool
}

// NewVideo opens libx264 with baseline profile, zerolatency tuning, no
// B-frames, no scenecut, no lookahead and forced IDR.
func NewVideo(cfg encode.VideoConfig) (encode.VideoCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := C.h264_encoder_init(C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
		C.int(cfg.BitrateKbps), C.int(cfg.KeyframeInterval()))
	if e == nil {
		return nil, fmt.Errorf("%w: libx264 init failed", encode.ErrUnavailable)
	}
	return &VideoCodec{e: e, cfg: cfg}, nil
}

func (c *VideoCodec) Name() string { return "libx264" }

func (c *VideoCodec) Encode(yuv []byte, pts int64, forceIDR bool) ([]encode.Packet, error) {
	if c.drained {
		return nil, encode.ErrFlushed
	}
	cw, ch := (c.cfg.Width+1)/2, (c.cfg.Height+1)/2
	if want := c.cfg.Width*c.cfg.Height + 2*cw*ch; len(yuv) < want {
		return nil, fmt.Errorf("picture has %d bytes, want %d", len(yuv), want)
	}
	idr := C.int(0)
	if forceIDR {
		idr = 1
	}
	if ret := C.h264_encoder_send(c.e, (*C.uint8_t)(unsafe.Pointer(&yuv[0])), C.int64_t(pts), idr); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_frame: %d", int(ret))
	}
	return c.receive()
}

// Drain sends end of stream and collects every buffered packet.
func (c *VideoCodec) Drain() ([]encode.Packet, error) {
	if c.drained {
		return nil, nil
	}
	c.drained = true
	if ret := C.h264_encoder_send(c.e, nil, 0, 0); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_frame eof: %d", int(ret))
	}
	return c.receive()
}

func (c *VideoCodec) receive() ([]encode.Packet, error) {
	var out []encode.Packet
	for {
		var buf *C.uint8_t
		var size, key C.int
		var pts C.int64_t
		ret := C.h264_encoder_receive(c.e, &buf, &size, &pts, &key)
		if ret < 0 {
			return out, fmt.Errorf("avcodec_receive_packet: %d", int(ret))
		}
		if ret == 0 {
			return out, nil
		}
		out = append(out, encode.Packet{
			Data: C.GoBytes(unsafe.Pointer(buf), size),
			PTS:  int64(pts),
			Key:  key != 0,
		})
		C.h264_encoder_unref(c.e)
	}
}

func (c *VideoCodec) Close() {
	if c.e != nil {
		C.h264_encoder_destroy(c.e)
		c.e = nil
	}
}
