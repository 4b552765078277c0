//go:build cgo

// Package openh264 binds Cisco's libopenh264 encoder. Its parameter sets are
// learned from a probe picture, so wrap it with encode.HeadersProbe.
package openh264

/*
#cgo pkg-config: openh264
#include <stdbool.h>
#include <stdlib.h>
#include <string.h>
#include <wels/codec_api.h>

static ISVCEncoder* oh264_init(int width, int height, int fps, int bitrate_kbps, int keyint) {
	ISVCEncoder *enc = NULL;
	if (WelsCreateSVCEncoder(&enc) != 0 || !enc) return NULL;

	SEncParamExt p;
	memset(&p, 0, sizeof(p));
	(*enc)->GetDefaultParams(enc, &p);
	p.iUsageType = SCREEN_CONTENT_REAL_TIME;
	p.iPicWidth = width;
	p.iPicHeight = height;
	p.fMaxFrameRate = (float)fps;
	p.iTargetBitrate = bitrate_kbps > 0 ? bitrate_kbps * 1000 : 0;
	p.iRCMode = bitrate_kbps > 0 ? RC_BITRATE_MODE : RC_QUALITY_MODE;
	p.uiIntraPeriod = keyint;
	p.bEnableFrameSkip = false;
	p.iMultipleThreadIdc = 1;
	p.eSpsPpsIdStrategy = CONSTANT_ID;
	p.iSpatialLayerNum = 1;
	p.sSpatialLayers[0].iVideoWidth = width;
	p.sSpatialLayers[0].iVideoHeight = height;
	p.sSpatialLayers[0].fFrameRate = (float)fps;
	p.sSpatialLayers[0].iSpatialBitrate = p.iTargetBitrate;
	p.sSpatialLayers[0].uiProfileIdc = PRO_BASELINE;
	p.sSpatialLayers[0].sSliceArgument.uiSliceMode = SM_SINGLE_SLICE;

	if ((*enc)->InitializeExt(enc, &p) != 0) {
		WelsDestroySVCEncoder(enc);
		return NULL;
	}
	int fmt = videoFormatI420;
	(*enc)->SetOption(enc, ENCODER_OPTION_DATAFORMAT, &fmt);
	return enc;
}

// oh264_encode encodes one I420 picture into a freshly allocated Annex-B
// buffer. It returns the size, 0 for a skipped frame, negative on error.
static int oh264_encode(ISVCEncoder *enc, int width, int height, unsigned char *yuv,
                        long long pts, int force_idr, unsigned char **out, int *key) {
	if (force_idr) (*enc)->ForceIntraFrame(enc, true);

	int cw = (width + 1) / 2, ch = (height + 1) / 2;
	SSourcePicture pic;
	memset(&pic, 0, sizeof(pic));
	pic.iColorFormat = videoFormatI420;
	pic.iPicWidth = width;
	pic.iPicHeight = height;
	pic.iStride[0] = width;
	pic.iStride[1] = cw;
	pic.iStride[2] = cw;
	pic.pData[0] = yuv;
	pic.pData[1] = yuv + width * height;
	pic.pData[2] = pic.pData[1] + cw * ch;
	pic.uiTimeStamp = pts;

	SFrameBSInfo info;
	memset(&info, 0, sizeof(info));
	if ((*enc)->EncodeFrame(enc, &pic, &info) != cmResultSuccess) return -1;
	if (info.eFrameType == videoFrameTypeSkip || info.iFrameSizeInBytes <= 0) return 0;

	unsigned char *buf = (unsigned char*)malloc(info.iFrameSizeInBytes);
	if (!buf) return -1;
	int off = 0;
	for (int l = 0; l < info.iLayerNum; l++) {
		SLayerBSInfo *layer = &info.sLayerInfo[l];
		int size = 0;
		for (int n = 0; n < layer->iNalCount; n++) size += layer->pNalLengthInByte[n];
		memcpy(buf + off, layer->pBsBuf, size);
		off += size;
	}
	*out = buf;
	*key = info.eFrameType == videoFrameTypeIDR || info.eFrameType == videoFrameTypeI;
	return off;
}

static void oh264_destroy(ISVCEncoder *enc) {
	if (!enc) return;
	(*enc)->Uninitialize(enc);
	WelsDestroySVCEncoder(enc);
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	"reelcast/internal/encode"
)

// Codec is an OpenH264 encoder. It never buffers, so Drain is empty.
type Codec struct {
	enc *C.ISVCEncoder
	cfg encode.VideoConfig
}

func New(cfg encode.VideoConfig) (encode.VideoCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc := C.oh264_init(C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS),
		C.int(cfg.BitrateKbps), C.int(cfg.KeyframeInterval()))
	if enc == nil {
		return nil, fmt.Errorf("%w: openh264 init failed", encode.ErrUnavailable)
	}
	return &Codec{enc: enc, cfg: cfg}, nil
}

func (c *Codec) Name() string { return "openh264" }

func (c *Codec) Encode(yuv []byte, pts int64, forceIDR bool) ([]encode.Packet, error) {
	if c.enc == nil {
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
	var out *C.uchar
	var key C.int
	n := C.oh264_encode(c.enc, C.int(c.cfg.Width), C.int(c.cfg.Height),
		(*C.uchar)(unsafe.Pointer(&yuv[0])), C.longlong(pts), idr, &out, &key)
	if n < 0 {
		return nil, fmt.Errorf("openh264 EncodeFrame failed")
	}
	if n == 0 {
		return nil, nil
	}
	defer C.free(unsafe.Pointer(out))
	return []encode.Packet{{
		Data: C.GoBytes(unsafe.Pointer(out), n),
		PTS:  pts,
		Key:  key != 0,
	}}, nil
}

func (c *Codec) Drain() ([]encode.Packet, error) { return nil, nil }

func (c *Codec) Close() {
	if c.enc != nil {
		C.oh264_destroy(c.enc)
		c.enc = nil
	}
}
