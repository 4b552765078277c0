//go:build windows

package cursor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	procGetCursorPos = user32.NewProc("GetCursorPos")
)

type point struct{ X, Y int32 }

type winPoller struct{}

func NewWindowsPoller() (Poller, error) {
	if err := procGetCursorPos.Find(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return winPoller{}, nil
}

func (winPoller) Position() (int, int, error) {
	var pt point
	ret, _, err := procGetCursorPos.Call(uintptr(unsafe.Pointer(&pt)))
	if ret == 0 {
		return 0, 0, fmt.Errorf("cursor: GetCursorPos: %w", err)
	}
	return int(pt.X), int(pt.Y), nil
}

func (winPoller) Close() {}

func newPlatformPoller(string) (Poller, error) { return NewWindowsPoller() }
