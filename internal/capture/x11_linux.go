//go:build linux && cgo

package capture

/*
#cgo pkg-config: x11 xext xfixes xrandr
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <X11/extensions/Xrandr.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int x, y;
	int width, height;
} x11_grabber;

typedef struct {
	char name[64];
	int x, y, width, height, mwidth, mheight, primary;
} x11_monitor;

// x11_monitors fills up to max monitors and returns the count, or -1 when
// the display cannot be opened.
static int x11_monitors(const char *display_name, x11_monitor *out, int max) {
	Display *dpy = XOpenDisplay(display_name);
	if (!dpy) return -1;
	int n = 0;
	XRRMonitorInfo *mons = XRRGetMonitors(dpy, DefaultRootWindow(dpy), True, &n);
	if (!mons || n == 0) {
		int screen = DefaultScreen(dpy);
		strncpy(out[0].name, "default", sizeof(out[0].name) - 1);
		out[0].x = out[0].y = 0;
		out[0].width = DisplayWidth(dpy, screen);
		out[0].height = DisplayHeight(dpy, screen);
		out[0].mwidth = DisplayWidthMM(dpy, screen);
		out[0].mheight = DisplayHeightMM(dpy, screen);
		out[0].primary = 1;
		if (mons) XRRFreeMonitors(mons);
		XCloseDisplay(dpy);
		return 1;
	}
	if (n > max) n = max;
	for (int i = 0; i < n; i++) {
		char *name = XGetAtomName(dpy, mons[i].name);
		memset(out[i].name, 0, sizeof(out[i].name));
		if (name) {
			strncpy(out[i].name, name, sizeof(out[i].name) - 1);
			XFree(name);
		}
		out[i].x = mons[i].x;
		out[i].y = mons[i].y;
		out[i].width = mons[i].width;
		out[i].height = mons[i].height;
		out[i].mwidth = mons[i].mwidth;
		out[i].mheight = mons[i].mheight;
		out[i].primary = mons[i].primary;
	}
	XRRFreeMonitors(mons);
	XCloseDisplay(dpy);
	return n;
}

static x11_grabber* x11_init(const char *display_name, int x, int y, int width, int height) {
	x11_grabber *g = (x11_grabber*)calloc(1, sizeof(x11_grabber));
	if (!g) return NULL;

	g->display = XOpenDisplay(display_name);
	if (!g->display) { free(g); return NULL; }

	int screen = DefaultScreen(g->display);
	g->root = RootWindow(g->display, screen);
	g->x = x;
	g->y = y;
	g->width = width;
	g->height = height;

	g->image = XShmCreateImage(g->display,
		DefaultVisual(g->display, screen),
		DefaultDepth(g->display, screen),
		ZPixmap, NULL, &g->shminfo,
		g->width, g->height);
	if (!g->image) {
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmid = shmget(IPC_PRIVATE,
		g->image->bytes_per_line * g->image->height,
		IPC_CREAT | 0600);
	if (g->shminfo.shmid < 0) {
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmaddr = g->image->data = (char*)shmat(g->shminfo.shmid, NULL, 0);
	g->shminfo.readOnly = False;

	if (!XShmAttach(g->display, &g->shminfo)) {
		shmdt(g->shminfo.shmaddr);
		shmctl(g->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	// removed once the last attachment goes away
	shmctl(g->shminfo.shmid, IPC_RMID, NULL);
	return g;
}

static int x11_grab(x11_grabber *g) {
	if (!XShmGetImage(g->display, g->root, g->image, g->x, g->y, AllPlanes)) {
		return -1;
	}
	XSync(g->display, False);
	return 0;
}

static void x11_composite_cursor(x11_grabber *g) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(g->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot - g->x;
	int cy = cursor->y - cursor->yhot - g->y;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= g->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= g->width) continue;

			// XFixes pixels are premultiplied ARGB in unsigned longs
			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 16) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = pixel & 0xFF;

			unsigned char *dst = (unsigned char*)g->image->data + dy * g->image->bytes_per_line + dx * 4;
			dst[0] = cb + dst[0] * (255 - a) / 255;
			dst[1] = cg + dst[1] * (255 - a) / 255;
			dst[2] = cr + dst[2] * (255 - a) / 255;
		}
	}
	XFree(cursor);
}

static void x11_destroy(x11_grabber *g) {
	if (!g) return;
	XShmDetach(g->display, &g->shminfo);
	shmdt(g->shminfo.shmaddr);
	XDestroyImage(g->image);
	XCloseDisplay(g->display);
	free(g);
}
*/
import "C"
import (
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/zap"

	"reelcast/internal/platform"
	"reelcast/internal/types"
)

const x11MaxMonitors = 16

func init() {
	Register(platform.DesktopX11, openX11, listX11)
}

type x11Monitor struct {
	name                string
	x, y, width, height int
	mmW, mmH            int
	primary             bool
}

func x11Monitors() ([]x11Monitor, error) {
	cDisplay := C.CString(os.Getenv("DISPLAY"))
	defer C.free(unsafe.Pointer(cDisplay))

	var raw [x11MaxMonitors]C.x11_monitor
	n := int(C.x11_monitors(cDisplay, &raw[0], x11MaxMonitors))
	if n < 0 {
		return nil, fmt.Errorf("%w: cannot open X display %q", ErrBackendUnavailable, os.Getenv("DISPLAY"))
	}
	mons := make([]x11Monitor, n)
	for i := range mons {
		m := &raw[i]
		mons[i] = x11Monitor{
			name:    C.GoString(&m.name[0]),
			x:       int(m.x),
			y:       int(m.y),
			width:   int(m.width),
			height:  int(m.height),
			mmW:     int(m.mwidth),
			mmH:     int(m.mheight),
			primary: m.primary != 0,
		}
	}
	return mons, nil
}

func listX11() ([]types.ScreenInfo, error) {
	mons, err := x11Monitors()
	if err != nil {
		return nil, err
	}
	screens := make([]types.ScreenInfo, 0, len(mons))
	for _, m := range mons {
		info := types.ScreenInfo{
			Name:        m.name,
			LogicalSize: types.Size{Width: m.width, Height: m.height},
			Position:    types.Point{X: m.x, Y: m.y},
			ScaleFactor: 1,
		}
		if m.mmW > 0 && m.mmH > 0 {
			info.PhysicalSizeMM = &types.Size{Width: m.mmW, Height: m.mmH}
		}
		screens = append(screens, info)
	}
	return screens, nil
}

// x11Backend grabs one RandR monitor through MIT-SHM.
type x11Backend struct {
	g       *C.x11_grabber
	name    string
	monitor x11Monitor
	logger  *zap.Logger
}

func openX11(name string, _ bool, _ int, logger *zap.Logger) (Backend, error) {
	b := &x11Backend{name: name, logger: logger.With(zap.String("backend", "x11"))}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *x11Backend) init() error {
	mons, err := x11Monitors()
	if err != nil {
		return err
	}
	idx := -1
	for i, m := range mons {
		if (b.name == "" && m.primary) || (b.name != "" && m.name == b.name) {
			idx = i
			break
		}
	}
	if idx < 0 && b.name == "" && len(mons) > 0 {
		idx = 0
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrNoOutput, b.name)
	}
	m := mons[idx]

	cDisplay := C.CString(os.Getenv("DISPLAY"))
	defer C.free(unsafe.Pointer(cDisplay))
	g := C.x11_init(cDisplay, C.int(m.x), C.int(m.y), C.int(m.width), C.int(m.height))
	if g == nil {
		return fmt.Errorf("%w: XShm setup failed for %s", ErrBackendUnavailable, m.name)
	}
	if g.image.bits_per_pixel != 32 {
		C.x11_destroy(g)
		return fmt.Errorf("%w: %d bits per pixel", ErrUnsupported, int(g.image.bits_per_pixel))
	}
	b.g, b.monitor = g, m
	b.logger.Debug("xshm attached", zap.String("monitor", m.name),
		zap.Int("width", m.width), zap.Int("height", m.height))
	return nil
}

func (b *x11Backend) Size() (int, int) { return b.monitor.width, b.monitor.height }

func (b *x11Backend) CaptureOnce(includeCursor bool) (*types.PixelBuffer, error) {
	if b.g == nil {
		return nil, ErrResetRequired
	}
	if C.x11_grab(b.g) != 0 {
		// usually a monitor reconfiguration that shrank the root window
		return nil, fmt.Errorf("%w: XShmGetImage failed", ErrResetRequired)
	}
	if includeCursor {
		C.x11_composite_cursor(b.g)
	}
	w, h := int(b.g.width), int(b.g.height)
	stride := int(b.g.image.bytes_per_line)
	src := unsafe.Slice((*byte)(unsafe.Pointer(b.g.image.data)), stride*h)

	out := types.NewPixelBuffer(w, h, types.PixelFormatBGRA8)
	for y := 0; y < h; y++ {
		copy(out.Row(y), src[y*stride:y*stride+w*4])
	}
	opaque(out)
	return out, nil
}

func (b *x11Backend) Reinit() error {
	b.Close()
	return b.init()
}

func (b *x11Backend) Close() {
	if b.g != nil {
		C.x11_destroy(b.g)
		b.g = nil
	}
}
