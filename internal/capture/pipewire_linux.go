//go:build linux && cgo

package capture

/*
#cgo pkg-config: libpipewire-0.3
#include <stdlib.h>
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>

extern void reelcastPwFrame(int id, void *data, uint32_t size, int32_t stride);
extern void reelcastPwFormat(int id, uint32_t format, uint32_t width, uint32_t height);
extern void reelcastPwState(int id, int state, char *error);

typedef struct {
	int id;
	struct pw_main_loop *loop;
	struct pw_context *context;
	struct pw_core *core;
	struct pw_stream *stream;
	struct spa_hook listener;
} pw_capture;

static void pwc_state(void *ud, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
	reelcastPwState(((pw_capture*)ud)->id, state, (char*)error);
}

static void pwc_param_changed(void *ud, uint32_t id, const struct spa_pod *param) {
	if (param == NULL || id != SPA_PARAM_Format) return;
	struct spa_video_info_raw info;
	if (spa_format_video_raw_parse(param, &info) < 0) return;
	reelcastPwFormat(((pw_capture*)ud)->id, info.format, info.size.width, info.size.height);
}

static void pwc_process(void *ud) {
	pw_capture *c = ud;
	struct pw_buffer *b = pw_stream_dequeue_buffer(c->stream);
	if (!b) return;
	struct spa_data *d = &b->buffer->datas[0];
	if (d->data && d->chunk && d->chunk->size > 0) {
		reelcastPwFrame(c->id, (uint8_t*)d->data + d->chunk->offset, d->chunk->size, d->chunk->stride);
	}
	pw_stream_queue_buffer(c->stream, b);
}

static const struct pw_stream_events pwc_events = {
	PW_VERSION_STREAM_EVENTS,
	.state_changed = pwc_state,
	.param_changed = pwc_param_changed,
	.process = pwc_process,
};

// pwc_open connects to the portal's PipeWire remote and asks node for raw
// 32-bit RGB frames of at most 4096x4096 and max_fps.
static int pwc_open(pw_capture *c, int fd, uint32_t node, uint32_t max_fps) {
	c->loop = pw_main_loop_new(NULL);
	if (!c->loop) return -1;
	c->context = pw_context_new(pw_main_loop_get_loop(c->loop), NULL, 0);
	if (!c->context) return -1;
	c->core = pw_context_connect_fd(c->context, fd, NULL, 0);
	if (!c->core) return -1;

	struct pw_properties *props = pw_properties_new(
		PW_KEY_MEDIA_TYPE, "Video",
		PW_KEY_MEDIA_CATEGORY, "Capture",
		PW_KEY_MEDIA_ROLE, "Screen",
		NULL);
	c->stream = pw_stream_new(c->core, "reelcast-capture", props);
	if (!c->stream) return -1;
	pw_stream_add_listener(c->stream, &c->listener, &pwc_events, c);

	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
	const struct spa_pod *params[1];
	params[0] = spa_pod_builder_add_object(&b,
		SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
		SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
		SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
		SPA_FORMAT_VIDEO_format, SPA_POD_CHOICE_ENUM_Id(5,
			SPA_VIDEO_FORMAT_RGBA,
			SPA_VIDEO_FORMAT_RGBA,
			SPA_VIDEO_FORMAT_RGBx,
			SPA_VIDEO_FORMAT_BGRA,
			SPA_VIDEO_FORMAT_BGRx),
		SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
			&SPA_RECTANGLE(1920, 1080),
			&SPA_RECTANGLE(1, 1),
			&SPA_RECTANGLE(4096, 4096)),
		SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
			&SPA_FRACTION(max_fps, 1),
			&SPA_FRACTION(0, 1),
			&SPA_FRACTION(60, 1)));

	return pw_stream_connect(c->stream, PW_DIRECTION_INPUT, node,
		PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS, params, 1);
}

static void pwc_run(pw_capture *c) { pw_main_loop_run(c->loop); }

static void pwc_quit(pw_capture *c) {
	if (c->loop) pw_main_loop_quit(c->loop);
}

static void pwc_destroy(pw_capture *c) {
	if (c->stream) pw_stream_destroy(c->stream);
	if (c->core) pw_core_disconnect(c->core);
	if (c->context) pw_context_destroy(c->context);
	if (c->loop) pw_main_loop_destroy(c->loop);
	free(c);
}

static void pwc_init(void) { pw_init(NULL, NULL); }
*/
import "C"
import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/types"
)

var (
	pwInitOnce sync.Once
	pwMu       sync.Mutex
	pwStreams  = map[int]*pwStream{}
	pwNextID   = 1
)

func init() {
	openPipeWire = newPipeWireStream
}

type pwStream struct {
	id     int
	c      *C.pw_capture
	logger *zap.Logger

	mu            sync.Mutex
	format        types.PixelFormat
	opaque        bool
	width, height int
	latest        *types.PixelBuffer
	err           error

	fresh chan struct{}
	ended chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	badFrames logging.Limiter
}

func newPipeWireStream(fd int, node uint32, fps int, logger *zap.Logger) (frameStream, error) {
	pwInitOnce.Do(func() { C.pwc_init() })

	// pw_context_connect_fd takes ownership of the descriptor
	dup, err := syscall.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup pipewire fd: %w", err)
	}

	s := &pwStream{
		logger: logger,
		fresh:  make(chan struct{}, 1),
		ended:  make(chan struct{}),
	}
	pwMu.Lock()
	s.id = pwNextID
	pwNextID++
	pwStreams[s.id] = s
	pwMu.Unlock()

	s.c = (*C.pw_capture)(C.calloc(1, C.sizeof_pw_capture))
	s.c.id = C.int(s.id)
	if rc := C.pwc_open(s.c, C.int(dup), C.uint32_t(node), C.uint32_t(fps)); rc < 0 {
		if s.c.core == nil {
			syscall.Close(dup)
		}
		s.Close()
		return nil, fmt.Errorf("%w: pipewire stream connect failed (%d)", ErrBackendUnavailable, int(rc))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		C.pwc_run(s.c)
	}()
	return s, nil
}

func lookupPw(id C.int) *pwStream {
	pwMu.Lock()
	defer pwMu.Unlock()
	return pwStreams[int(id)]
}

//export reelcastPwFormat
func reelcastPwFormat(id C.int, format, width, height C.uint32_t) {
	s := lookupPw(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch format {
	case C.SPA_VIDEO_FORMAT_RGBA:
		s.format, s.opaque = types.PixelFormatRGBA8, false
	case C.SPA_VIDEO_FORMAT_RGBx:
		s.format, s.opaque = types.PixelFormatRGBA8, true
	case C.SPA_VIDEO_FORMAT_BGRA:
		s.format, s.opaque = types.PixelFormatBGRA8, false
	case C.SPA_VIDEO_FORMAT_BGRx:
		s.format, s.opaque = types.PixelFormatBGRA8, true
	}
	s.width, s.height = int(width), int(height)
	s.logger.Debug("pipewire format negotiated",
		zap.Stringer("format", s.format), zap.Int("width", s.width), zap.Int("height", s.height))
}

//export reelcastPwFrame
func reelcastPwFrame(id C.int, data unsafe.Pointer, size C.uint32_t, stride C.int32_t) {
	s := lookupPw(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	w, h, format, opq := s.width, s.height, s.format, s.opaque
	s.mu.Unlock()

	rowStride := int(stride)
	if rowStride <= 0 {
		rowStride = w * 4
	}
	if w <= 0 || h <= 0 || int(size) < rowStride*(h-1)+w*4 {
		if s.badFrames.Allow(time.Second) {
			s.logger.Warn("pipewire buffer smaller than negotiated frame",
				zap.Int("size", int(size)), zap.Int("width", w), zap.Int("height", h))
		}
		return
	}
	src := unsafe.Slice((*byte)(data), int(size))
	buf := types.NewPixelBuffer(w, h, format)
	for y := 0; y < h; y++ {
		copy(buf.Row(y), src[y*rowStride:y*rowStride+w*4])
	}
	if opq {
		opaque(buf)
	}

	s.mu.Lock()
	s.latest = buf
	s.mu.Unlock()
	select {
	case s.fresh <- struct{}{}:
	default:
	}
}

//export reelcastPwState
func reelcastPwState(id C.int, state C.int, msg *C.char) {
	s := lookupPw(id)
	if s == nil {
		return
	}
	switch state {
	case C.PW_STREAM_STATE_ERROR:
		s.end(fmt.Errorf("%w: pipewire: %s", ErrUnexpectedEOF, C.GoString(msg)))
	case C.PW_STREAM_STATE_UNCONNECTED:
		s.end(fmt.Errorf("%w: pipewire stream disconnected", ErrUnexpectedEOF))
	}
}

func (s *pwStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ended)
	})
}

func (s *pwStream) Latest(wait time.Duration) (*types.PixelBuffer, error) {
	s.mu.Lock()
	have := s.latest != nil
	s.mu.Unlock()
	if !have {
		// screen content only arrives on damage, but the first frame is
		// always sent once the stream is streaming
		wait = firstFrameTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.fresh:
	case <-s.ended:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, fmt.Errorf("%w: no frame from pipewire within %s", ErrResetRequired, firstFrameTimeout)
	}
	out := *s.latest
	out.Data = append([]byte(nil), s.latest.Data...)
	return &out, nil
}

func (s *pwStream) Close() {
	s.end(fmt.Errorf("%w: stream closed", ErrUnexpectedEOF))
	if s.c != nil {
		C.pwc_quit(s.c)
		s.wg.Wait()
		C.pwc_destroy(s.c)
		s.c = nil
	}
	pwMu.Lock()
	delete(pwStreams, s.id)
	pwMu.Unlock()
}
