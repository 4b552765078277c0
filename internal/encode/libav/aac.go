//go:build cgo

package libav

/*
#cgo pkg-config: libavcodec libavutil
#include <libavcodec/avcodec.h>
#include <libavutil/channel_layout.h>
#include <libavutil/samplefmt.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	int64_t pts;
} AACCodec;

static void aac_destroy(AACCodec *a) {
	if (!a) return;
	if (a->pkt) av_packet_free(&a->pkt);
	if (a->frame) av_frame_free(&a->frame);
	if (a->ctx) avcodec_free_context(&a->ctx);
	free(a);
}

static AACCodec* aac_encoder_init(int rate, int channels, int bitrate_kbps) {
	const AVCodec *codec = avcodec_find_encoder(AV_CODEC_ID_AAC);
	if (!codec) return NULL;
	AACCodec *a = (AACCodec*)calloc(1, sizeof(AACCodec));
	if (!a) return NULL;

	a->ctx = avcodec_alloc_context3(codec);
	if (!a->ctx) { aac_destroy(a); return NULL; }
	a->ctx->sample_rate = rate;
	a->ctx->sample_fmt = AV_SAMPLE_FMT_FLTP;
	a->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	a->ctx->time_base = (AVRational){1, rate};
	a->ctx->profile = FF_PROFILE_AAC_LOW;
	a->ctx->flags |= AV_CODEC_FLAG_GLOBAL_HEADER;
	av_channel_layout_default(&a->ctx->ch_layout, channels);
	if (avcodec_open2(a->ctx, codec, NULL) < 0) { aac_destroy(a); return NULL; }

	a->frame = av_frame_alloc();
	a->pkt = av_packet_alloc();
	if (!a->frame || !a->pkt) { aac_destroy(a); return NULL; }
	a->frame->format = AV_SAMPLE_FMT_FLTP;
	a->frame->nb_samples = a->ctx->frame_size;
	a->frame->sample_rate = rate;
	av_channel_layout_copy(&a->frame->ch_layout, &a->ctx->ch_layout);
	if (av_frame_get_buffer(a->frame, 0) < 0) { aac_destroy(a); return NULL; }
	return a;
}

static int aac_frame_size(AACCodec *a) { return a->ctx->frame_size; }

static int aac_extradata(AACCodec *a, uint8_t **buf) {
	*buf = a->ctx->extradata;
	return a->ctx->extradata_size;
}

static float* aac_plane(AACCodec *a, int ch) {
	return (float*)a->frame->extended_data[ch];
}

static int aac_encoder_send(AACCodec *a, int eof) {
	if (eof) return avcodec_send_frame(a->ctx, NULL);
	a->frame->pts = a->pts;
	a->pts += a->frame->nb_samples;
	return avcodec_send_frame(a->ctx, a->frame);
}

static int aac_encoder_prepare(AACCodec *a) { return av_frame_make_writable(a->frame); }

static int aac_encoder_receive(AACCodec *a, uint8_t **buf, int *size) {
	int ret = avcodec_receive_packet(a->ctx, a->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return ret;
	*buf = a->pkt->data;
	*size = a->pkt->size;
	return 1;
}

static void aac_unref(AACCodec *a) { av_packet_unref(a->pkt); }

static AACCodec* aac_decoder_init(const uint8_t *asc, int asc_size) {
	const AVCodec *codec = avcodec_find_decoder(AV_CODEC_ID_AAC);
	if (!codec) return NULL;
	AACCodec *a = (AACCodec*)calloc(1, sizeof(AACCodec));
	if (!a) return NULL;
	a->ctx = avcodec_alloc_context3(codec);
	if (!a->ctx) { aac_destroy(a); return NULL; }
	a->ctx->extradata = (uint8_t*)av_mallocz(asc_size + AV_INPUT_BUFFER_PADDING_SIZE);
	if (!a->ctx->extradata) { aac_destroy(a); return NULL; }
	memcpy(a->ctx->extradata, asc, asc_size);
	a->ctx->extradata_size = asc_size;
	a->ctx->request_sample_fmt = AV_SAMPLE_FMT_FLTP;
	if (avcodec_open2(a->ctx, codec, NULL) < 0) { aac_destroy(a); return NULL; }
	a->frame = av_frame_alloc();
	a->pkt = av_packet_alloc();
	if (!a->frame || !a->pkt) { aac_destroy(a); return NULL; }
	return a;
}

static int aac_decoder_send(AACCodec *a, const uint8_t *data, int size) {
	if (av_new_packet(a->pkt, size) < 0) return -1;
	memcpy(a->pkt->data, data, size);
	int ret = avcodec_send_packet(a->ctx, a->pkt);
	av_packet_unref(a->pkt);
	return ret;
}

// aac_decoder_receive returns 1 with a frame whose samples are planar float.
static int aac_decoder_receive(AACCodec *a, int *samples, int *channels, int *planar) {
	int ret = avcodec_receive_frame(a->ctx, a->frame);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return ret;
	*samples = a->frame->nb_samples;
	*channels = a->frame->ch_layout.nb_channels;
	*planar = a->frame->format == AV_SAMPLE_FMT_FLTP;
	if (a->frame->format != AV_SAMPLE_FMT_FLTP && a->frame->format != AV_SAMPLE_FMT_FLT) return -2;
	return 1;
}

static float* aac_decoded_plane(AACCodec *a, int ch) { return (float*)a->frame->extended_data[ch]; }
static int aac_decoder_rate(AACCodec *a) { return a->ctx->sample_rate; }
static int aac_decoder_channels(AACCodec *a) { return a->ctx->ch_layout.nb_channels; }
static void aac_decoder_unref(AACCodec *a) { av_frame_unref(a->frame); }
*/
import "C"
import (
	"fmt"
	"unsafe"

	"reelcast/internal/encode"
)

// AACEncoder is the native libavcodec AAC-LC encoder.
type AACEncoder struct {
	a        *C.AACCodec
	channels int
	drained  bool
}

func NewAAC(cfg encode.AudioConfig) (encode.AudioCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := C.aac_encoder_init(C.int(cfg.SampleRate), C.int(cfg.Channels), C.int(cfg.BitrateKbps))
	if a == nil {
		return nil, fmt.Errorf("%w: aac encoder init failed", encode.ErrUnavailable)
	}
	return &AACEncoder{a: a, channels: cfg.Channels}, nil
}

func (e *AACEncoder) FrameSize() int { return int(C.aac_frame_size(e.a)) }

func (e *AACEncoder) AudioSpecificConfig() []byte {
	var buf *C.uint8_t
	n := C.aac_extradata(e.a, &buf)
	if n <= 0 || buf == nil {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(buf), n)
}

func (e *AACEncoder) Encode(planar [][]float32) ([][]byte, error) {
	if e.drained {
		return nil, encode.ErrFlushed
	}
	if len(planar) != e.channels {
		return nil, fmt.Errorf("got %d channels, want %d", len(planar), e.channels)
	}
	if C.aac_encoder_prepare(e.a) < 0 {
		return nil, fmt.Errorf("av_frame_make_writable failed")
	}
	n := e.FrameSize()
	for ch, samples := range planar {
		dst := unsafe.Slice((*float32)(unsafe.Pointer(C.aac_plane(e.a, C.int(ch)))), n)
		copy(dst, samples)
	}
	if ret := C.aac_encoder_send(e.a, 0); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_frame: %d", int(ret))
	}
	return e.receive()
}

func (e *AACEncoder) Drain() ([][]byte, error) {
	if e.drained {
		return nil, nil
	}
	e.drained = true
	if ret := C.aac_encoder_send(e.a, 1); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_frame eof: %d", int(ret))
	}
	return e.receive()
}

func (e *AACEncoder) receive() ([][]byte, error) {
	var out [][]byte
	for {
		var buf *C.uint8_t
		var size C.int
		ret := C.aac_encoder_receive(e.a, &buf, &size)
		if ret < 0 {
			return out, fmt.Errorf("avcodec_receive_packet: %d", int(ret))
		}
		if ret == 0 {
			return out, nil
		}
		out = append(out, C.GoBytes(unsafe.Pointer(buf), size))
		C.aac_unref(e.a)
	}
}

func (e *AACEncoder) Close() {
	if e.a != nil {
		C.aac_destroy(e.a)
		e.a = nil
	}
}

// AACDecoder decodes AAC access units described by an AudioSpecificConfig.
type AACDecoder struct {
	a *C.AACCodec
}

func NewAACDecoder(asc []byte) (encode.AudioDecoder, error) {
	if len(asc) == 0 {
		return nil, fmt.Errorf("aac decoder: empty audio specific config")
	}
	a := C.aac_decoder_init((*C.uint8_t)(unsafe.Pointer(&asc[0])), C.int(len(asc)))
	if a == nil {
		return nil, fmt.Errorf("%w: aac decoder init failed", encode.ErrUnavailable)
	}
	return &AACDecoder{a: a}, nil
}

func (d *AACDecoder) SampleRate() int { return int(C.aac_decoder_rate(d.a)) }
func (d *AACDecoder) Channels() int   { return int(C.aac_decoder_channels(d.a)) }

// Decode returns the planar samples of every frame the packet completed.
func (d *AACDecoder) Decode(packet []byte) ([][]float32, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	if ret := C.aac_decoder_send(d.a, (*C.uint8_t)(unsafe.Pointer(&packet[0])), C.int(len(packet))); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_packet: %d", int(ret))
	}
	var out [][]float32
	for {
		var samples, channels, planar C.int
		ret := C.aac_decoder_receive(d.a, &samples, &channels, &planar)
		if ret < 0 {
			return out, fmt.Errorf("avcodec_receive_frame: %d", int(ret))
		}
		if ret == 0 {
			return out, nil
		}
		n, chans := int(samples), int(channels)
		if out == nil {
			out = make([][]float32, chans)
		}
		if planar != 0 {
			for ch := 0; ch < chans; ch++ {
				src := unsafe.Slice((*float32)(unsafe.Pointer(C.aac_decoded_plane(d.a, C.int(ch)))), n)
				out[ch] = append(out[ch], src...)
			}
		} else {
			src := unsafe.Slice((*float32)(unsafe.Pointer(C.aac_decoded_plane(d.a, 0))), n*chans)
			for i := 0; i < n; i++ {
				for ch := 0; ch < chans; ch++ {
					out[ch] = append(out[ch], src[i*chans+ch])
				}
			}
		}
		C.aac_decoder_unref(d.a)
	}
}

func (d *AACDecoder) Close() {
	if d.a != nil {
		C.aac_destroy(d.a)
		d.a = nil
	}
}
