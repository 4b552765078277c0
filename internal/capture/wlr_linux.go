//go:build linux && cgo

package capture

/*
#cgo pkg-config: wayland-client
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <wayland-client.h>

// wlr-screencopy-unstable-v1, version 1: capture_output, copy, and the
// buffer/flags/ready/failed events.
extern const struct wl_interface reelcast_screencopy_frame_interface;

static const struct wl_interface *screencopy_types[] = {
	NULL, NULL, NULL, NULL,
	&reelcast_screencopy_frame_interface, NULL, &wl_output_interface,
	&reelcast_screencopy_frame_interface, NULL, &wl_output_interface, NULL, NULL, NULL, NULL,
	&wl_buffer_interface,
};

static const struct wl_message screencopy_manager_requests[] = {
	{ "capture_output", "nio", screencopy_types + 4 },
	{ "capture_output_region", "nioiiii", screencopy_types + 7 },
	{ "destroy", "", screencopy_types + 0 },
};

const struct wl_interface reelcast_screencopy_manager_interface = {
	"zwlr_screencopy_manager_v1", 1,
	3, screencopy_manager_requests,
	0, NULL,
};

static const struct wl_message screencopy_frame_requests[] = {
	{ "copy", "o", screencopy_types + 14 },
	{ "destroy", "", screencopy_types + 0 },
};

static const struct wl_message screencopy_frame_events[] = {
	{ "buffer", "uuuu", screencopy_types + 0 },
	{ "flags", "u", screencopy_types + 0 },
	{ "ready", "uuu", screencopy_types + 0 },
	{ "failed", "", screencopy_types + 0 },
};

const struct wl_interface reelcast_screencopy_frame_interface = {
	"zwlr_screencopy_frame_v1", 1,
	2, screencopy_frame_requests,
	4, screencopy_frame_events,
};

#define WLR_MAX_OUTPUTS 16
#define WLR_FLAG_Y_INVERT 1

typedef struct {
	struct wl_output *output;
	char name[64];
	int32_t x, y;
	int32_t phys_w, phys_h;
	int32_t width, height;
	int32_t transform;
	int32_t scale;
} wlr_output;

typedef struct {
	struct wl_display *display;
	struct wl_registry *registry;
	struct wl_shm *shm;
	struct wl_proxy *manager;
	wlr_output outputs[WLR_MAX_OUTPUTS];
	int n_outputs;

	struct wl_proxy *frame;
	uint32_t format, width, height, stride, flags;
	int buffer_seen, ready, failed;
} wlr_state;

static void out_geometry(void *data, struct wl_output *o, int32_t x, int32_t y,
                         int32_t pw, int32_t ph, int32_t subpixel,
                         const char *make, const char *model, int32_t transform) {
	wlr_output *out = data;
	out->x = x;
	out->y = y;
	out->phys_w = pw;
	out->phys_h = ph;
	out->transform = transform;
}

static void out_mode(void *data, struct wl_output *o, uint32_t flags,
                     int32_t w, int32_t h, int32_t refresh) {
	wlr_output *out = data;
	if (flags & WL_OUTPUT_MODE_CURRENT) {
		out->width = w;
		out->height = h;
	}
}

static void out_done(void *data, struct wl_output *o) {}

static void out_scale(void *data, struct wl_output *o, int32_t factor) {
	((wlr_output*)data)->scale = factor;
}

static void out_name(void *data, struct wl_output *o, const char *name) {
	wlr_output *out = data;
	strncpy(out->name, name, sizeof(out->name) - 1);
}

static void out_description(void *data, struct wl_output *o, const char *desc) {}

static const struct wl_output_listener output_listener = {
	.geometry = out_geometry,
	.mode = out_mode,
	.done = out_done,
	.scale = out_scale,
	.name = out_name,
	.description = out_description,
};

static void reg_global(void *data, struct wl_registry *reg, uint32_t name,
                       const char *iface, uint32_t version) {
	wlr_state *st = data;
	if (strcmp(iface, wl_shm_interface.name) == 0) {
		st->shm = wl_registry_bind(reg, name, &wl_shm_interface, 1);
	} else if (strcmp(iface, reelcast_screencopy_manager_interface.name) == 0) {
		st->manager = wl_registry_bind(reg, name, &reelcast_screencopy_manager_interface, 1);
	} else if (strcmp(iface, wl_output_interface.name) == 0 && st->n_outputs < WLR_MAX_OUTPUTS) {
		wlr_output *out = &st->outputs[st->n_outputs++];
		out->scale = 1;
		out->output = wl_registry_bind(reg, name, &wl_output_interface, version < 4 ? version : 4);
		wl_output_add_listener(out->output, &output_listener, out);
	}
}

static void reg_remove(void *data, struct wl_registry *reg, uint32_t name) {}

static const struct wl_registry_listener registry_listener = {
	.global = reg_global,
	.global_remove = reg_remove,
};

struct screencopy_frame_listener {
	void (*buffer)(void *, struct wl_proxy *, uint32_t, uint32_t, uint32_t, uint32_t);
	void (*flags)(void *, struct wl_proxy *, uint32_t);
	void (*ready)(void *, struct wl_proxy *, uint32_t, uint32_t, uint32_t);
	void (*failed)(void *, struct wl_proxy *);
};

static void frame_buffer(void *data, struct wl_proxy *f, uint32_t format,
                         uint32_t w, uint32_t h, uint32_t stride) {
	wlr_state *st = data;
	st->format = format;
	st->width = w;
	st->height = h;
	st->stride = stride;
	st->buffer_seen = 1;
}

static void frame_flags(void *data, struct wl_proxy *f, uint32_t flags) {
	((wlr_state*)data)->flags = flags;
}

static void frame_ready(void *data, struct wl_proxy *f, uint32_t hi, uint32_t lo, uint32_t ns) {
	((wlr_state*)data)->ready = 1;
}

static void frame_failed(void *data, struct wl_proxy *f) {
	((wlr_state*)data)->failed = 1;
}

static const struct screencopy_frame_listener frame_listener = {
	frame_buffer, frame_flags, frame_ready, frame_failed,
};

static wlr_state* wlr_connect(void) {
	wlr_state *st = calloc(1, sizeof(wlr_state));
	if (!st) return NULL;
	st->display = wl_display_connect(NULL);
	if (!st->display) {
		free(st);
		return NULL;
	}
	st->registry = wl_display_get_registry(st->display);
	wl_registry_add_listener(st->registry, &registry_listener, st);
	// first roundtrip announces globals, second delivers output properties
	wl_display_roundtrip(st->display);
	wl_display_roundtrip(st->display);
	return st;
}

static void wlr_frame_destroy(wlr_state *st) {
	if (!st->frame) return;
	wl_proxy_marshal(st->frame, 1);
	wl_proxy_destroy(st->frame);
	st->frame = NULL;
}

// wlr_request_frame asks for a capture and waits for the buffer parameters.
// Returns 0 on success, -1 when the connection broke, -2 when refused.
static int wlr_request_frame(wlr_state *st, int idx, int cursor) {
	st->buffer_seen = st->ready = st->failed = 0;
	st->flags = 0;
	st->frame = wl_proxy_marshal_constructor(st->manager, 0,
		&reelcast_screencopy_frame_interface, NULL, cursor, st->outputs[idx].output);
	if (!st->frame) return -1;
	wl_proxy_add_listener(st->frame, (void (**)(void))&frame_listener, st);
	while (!st->buffer_seen && !st->failed) {
		if (wl_display_dispatch(st->display) < 0) return -1;
	}
	return st->failed ? -2 : 0;
}

static struct wl_buffer* wlr_create_buffer(wlr_state *st, int fd, int size,
                                           int w, int h, int stride, uint32_t format) {
	struct wl_shm_pool *pool = wl_shm_create_pool(st->shm, fd, size);
	if (!pool) return NULL;
	struct wl_buffer *buf = wl_shm_pool_create_buffer(pool, 0, w, h, stride, format);
	wl_shm_pool_destroy(pool);
	return buf;
}

static int wlr_copy(wlr_state *st, struct wl_buffer *buf) {
	wl_proxy_marshal(st->frame, 0, buf);
	while (!st->ready && !st->failed) {
		if (wl_display_dispatch(st->display) < 0) return -1;
	}
	return st->failed ? -2 : 0;
}

static void wlr_drain(wlr_state *st) {
	wl_display_dispatch_pending(st->display);
	wl_display_flush(st->display);
}

static void wlr_disconnect(wlr_state *st) {
	if (!st) return;
	wlr_frame_destroy(st);
	for (int i = 0; i < st->n_outputs; i++) {
		if (st->outputs[i].output) wl_output_destroy(st->outputs[i].output);
	}
	if (st->manager) {
		wl_proxy_marshal(st->manager, 2);
		wl_proxy_destroy(st->manager);
	}
	if (st->shm) wl_shm_destroy(st->shm);
	if (st->registry) wl_registry_destroy(st->registry);
	wl_display_disconnect(st->display);
	free(st);
}
*/
import "C"
import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"reelcast/internal/platform"
	"reelcast/internal/types"
)

// wlrDrainInterval is how often pending events are flushed so the client
// queue cannot grow without bound.
const wlrDrainInterval = 5 * time.Second

const (
	shmARGB8888 = 0
	shmXRGB8888 = 1
	shmABGR8888 = 0x34324241
	shmXBGR8888 = 0x34324258
)

func init() {
	Register(platform.DesktopWlroots, openWlr, listWlr)
}

// wlrOutput is a snapshot of the wl_output properties.
type wlrOutput struct {
	name          string
	x, y          int
	width, height int
	physW, physH  int
	transform     int
	scale         int
}

func wlrOutputs(st *C.wlr_state) []wlrOutput {
	outs := make([]wlrOutput, int(st.n_outputs))
	for i := range outs {
		o := &st.outputs[i]
		name := C.GoString(&o.name[0])
		if name == "" {
			name = fmt.Sprintf("output-%d", i)
		}
		outs[i] = wlrOutput{
			name:      name,
			x:         int(o.x),
			y:         int(o.y),
			width:     int(o.width),
			height:    int(o.height),
			physW:     int(o.phys_w),
			physH:     int(o.phys_h),
			transform: int(o.transform),
			scale:     int(o.scale),
		}
	}
	return outs
}

type wlrBackend struct {
	st     *C.wlr_state
	name   string
	idx    int
	logger *zap.Logger

	fd     int
	mem    []byte
	buf    *C.struct_wl_buffer
	bufKey [4]uint32

	lastDrain time.Time
}

func openWlr(name string, _ bool, _ int, logger *zap.Logger) (Backend, error) {
	b := &wlrBackend{name: name, logger: logger.With(zap.String("backend", "wlr")), fd: -1}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *wlrBackend) connect() error {
	st := C.wlr_connect()
	if st == nil {
		return fmt.Errorf("%w: cannot connect to wayland display", ErrBackendUnavailable)
	}
	if st.manager == nil || st.shm == nil {
		C.wlr_disconnect(st)
		return fmt.Errorf("%w: compositor lacks zwlr_screencopy_manager_v1", ErrUnsupported)
	}
	idx := -1
	for i, o := range wlrOutputs(st) {
		if b.name == "" || o.name == b.name {
			idx = i
			break
		}
	}
	if idx < 0 {
		C.wlr_disconnect(st)
		return fmt.Errorf("%w: %q", ErrNoOutput, b.name)
	}
	b.st, b.idx = st, idx
	b.lastDrain = time.Now()
	return nil
}

func (b *wlrBackend) Size() (int, int) {
	o := &b.st.outputs[b.idx]
	return int(o.width), int(o.height)
}

func (b *wlrBackend) CaptureOnce(includeCursor bool) (*types.PixelBuffer, error) {
	if b.st == nil {
		return nil, ErrResetRequired
	}
	if time.Since(b.lastDrain) >= wlrDrainInterval {
		C.wlr_drain(b.st)
		b.lastDrain = time.Now()
	}

	cursor := C.int(0)
	if includeCursor {
		cursor = 1
	}
	switch C.wlr_request_frame(b.st, C.int(b.idx), cursor) {
	case -1:
		return nil, fmt.Errorf("%w: wayland connection closed", ErrUnexpectedEOF)
	case -2:
		C.wlr_frame_destroy(b.st)
		return nil, fmt.Errorf("%w: compositor refused frame", ErrResetRequired)
	}
	defer C.wlr_frame_destroy(b.st)

	format := uint32(b.st.format)
	w, h, stride := int(b.st.width), int(b.st.height), int(b.st.stride)
	var pf types.PixelFormat
	switch format {
	case shmARGB8888, shmXRGB8888:
		pf = types.PixelFormatBGRA8
	case shmABGR8888, shmXBGR8888:
		pf = types.PixelFormatRGBA8
	default:
		return nil, fmt.Errorf("%w: shm format %#x", ErrUnsupported, format)
	}
	if err := b.ensureBuffer(w, h, stride, format); err != nil {
		return nil, err
	}

	switch C.wlr_copy(b.st, b.buf) {
	case -1:
		return nil, fmt.Errorf("%w: wayland connection closed", ErrUnexpectedEOF)
	case -2:
		return nil, fmt.Errorf("%w: copy failed", ErrResetRequired)
	}

	out := types.NewPixelBuffer(w, h, pf)
	for y := 0; y < h; y++ {
		copy(out.Row(y), b.mem[y*stride:y*stride+w*4])
	}
	if uint32(b.st.flags)&C.WLR_FLAG_Y_INVERT != 0 {
		flipRows(out)
	}
	if format == shmXRGB8888 || format == shmXBGR8888 {
		opaque(out)
	}
	return out, nil
}

// ensureBuffer keeps one memfd-backed wl_buffer and rebuilds it when the
// frame geometry or format changes.
func (b *wlrBackend) ensureBuffer(w, h, stride int, format uint32) error {
	key := [4]uint32{uint32(w), uint32(h), uint32(stride), format}
	if b.buf != nil && key == b.bufKey {
		return nil
	}
	b.releaseBuffer()

	size := stride * h
	fd, err := unix.MemfdCreate("reelcast-wlr", unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("mmap: %w", err)
	}
	buf := C.wlr_create_buffer(b.st, C.int(fd), C.int(size), C.int(w), C.int(h), C.int(stride), C.uint32_t(format))
	if buf == nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return fmt.Errorf("%w: wl_shm buffer", ErrResetRequired)
	}
	b.fd, b.mem, b.buf, b.bufKey = fd, mem, buf, key
	b.logger.Debug("shm buffer allocated", zap.Int("width", w), zap.Int("height", h), zap.Int("stride", stride))
	return nil
}

func (b *wlrBackend) releaseBuffer() {
	if b.buf != nil {
		C.wl_buffer_destroy(b.buf)
		b.buf = nil
	}
	if b.mem != nil {
		unix.Munmap(b.mem)
		b.mem = nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}

func (b *wlrBackend) Reinit() error {
	b.Close()
	return b.connect()
}

func (b *wlrBackend) Close() {
	if b.st == nil {
		return
	}
	b.releaseBuffer()
	C.wlr_disconnect(b.st)
	b.st = nil
}

// listWlr prefers wlr-randr, which reports logical geometry, and falls back
// to the wl_output properties.
func listWlr() ([]types.ScreenInfo, error) {
	if screens, err := listWlrRandr(); err == nil && len(screens) > 0 {
		return screens, nil
	}
	st := C.wlr_connect()
	if st == nil {
		return nil, fmt.Errorf("%w: cannot connect to wayland display", ErrBackendUnavailable)
	}
	defer C.wlr_disconnect(st)

	var screens []types.ScreenInfo
	for _, o := range wlrOutputs(st) {
		scale := o.scale
		if scale < 1 {
			scale = 1
		}
		info := types.ScreenInfo{
			Name:        o.name,
			LogicalSize: types.Size{Width: o.width / scale, Height: o.height / scale},
			Position:    types.Point{X: o.x, Y: o.y},
			Transform:   types.Transform(o.transform),
			ScaleFactor: float64(scale),
		}
		if o.physW > 0 && o.physH > 0 {
			info.PhysicalSizeMM = &types.Size{Width: o.physW, Height: o.physH}
		}
		screens = append(screens, info)
	}
	return screens, nil
}
