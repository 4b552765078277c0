package cursor

import (
	"os"
	"runtime"
)

// NewPoller picks the pointer source for the current desktop. Pure Wayland
// sessions have no global pointer query, so only X11 (including XWayland when
// DISPLAY is set) and Windows are supported.
func NewPoller() (Poller, error) {
	switch runtime.GOOS {
	case "windows":
		return newPlatformPoller("")
	case "linux":
		if os.Getenv("DISPLAY") == "" {
			return nil, ErrNoPoller
		}
		return newPlatformPoller(os.Getenv("DISPLAY"))
	}
	return nil, ErrNoPoller
}
