//go:build windows

package platform

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
)

// ComVtblFn returns the address of vtable method idx of a COM interface.
func ComVtblFn(obj uintptr, idx int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// ComCall invokes vtable method idx on obj. Failing HRESULTs become errors.
func ComCall(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(ComVtblFn(obj, idx), all...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", idx, uint32(ret))
	}
	return ret, nil
}

// ComRelease calls IUnknown::Release.
func ComRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(ComVtblFn(obj, 2), obj)
	}
}

// ComInit initializes a multithreaded apartment on the calling thread. The
// caller must hold runtime.LockOSThread and call ole.CoUninitialize when done.
func ComInit() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE: already initialized on this thread.
		if oe, ok := err.(*ole.OleError); ok && oe.Code() == 1 {
			return nil
		}
		return fmt.Errorf("CoInitializeEx: %w", err)
	}
	return nil
}
