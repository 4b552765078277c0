//go:build linux && cgo

package cursor

/*
#cgo pkg-config: x11
#include <X11/Xlib.h>
#include <stdlib.h>

static Display* cursor_open(const char *name) { return XOpenDisplay(name); }

static int cursor_query(Display *d, int *x, int *y) {
	Window root = DefaultRootWindow(d);
	Window rr, cr;
	int wx, wy;
	unsigned int mask;
	if (!XQueryPointer(d, root, &rr, &cr, x, y, &wx, &wy, &mask)) return -1;
	return 0;
}
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

type x11Poller struct {
	mu sync.Mutex
	d  *C.Display
}

// NewX11Poller opens display (empty means $DISPLAY) for XQueryPointer.
func NewX11Poller(display string) (Poller, error) {
	var cName *C.char
	if display != "" {
		cName = C.CString(display)
		defer C.free(unsafe.Pointer(cName))
	}
	d := C.cursor_open(cName)
	if d == nil {
		return nil, fmt.Errorf("cursor: cannot open X display %q", display)
	}
	return &x11Poller{d: d}, nil
}

func (p *x11Poller) Position() (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.d == nil {
		return 0, 0, fmt.Errorf("cursor: poller closed")
	}
	var x, y C.int
	if C.cursor_query(p.d, &x, &y) != 0 {
		return 0, 0, fmt.Errorf("cursor: XQueryPointer failed")
	}
	return int(x), int(y), nil
}

func (p *x11Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.d != nil {
		C.XCloseDisplay(p.d)
		p.d = nil
	}
}

func newPlatformPoller(display string) (Poller, error) { return NewX11Poller(display) }
