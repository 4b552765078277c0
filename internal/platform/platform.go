// Package platform detects the desktop session and picks capture backends.
package platform

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Desktop is the capture backend family for the running session.
type Desktop int

const (
	DesktopUnknown Desktop = iota
	DesktopWlroots
	DesktopPortal
	DesktopX11
	DesktopWindows
)

var desktopNames = map[Desktop]string{
	DesktopUnknown: "unknown",
	DesktopWlroots: "wlr",
	DesktopPortal:  "portal",
	DesktopX11:     "x11",
	DesktopWindows: "dxgi",
}

func (d Desktop) String() string { return desktopNames[d] }

// ParseDesktop maps a backend name to a Desktop. "auto" and "" return
// DesktopUnknown, meaning detect.
func ParseDesktop(s string) (Desktop, error) {
	if s == "" || s == "auto" {
		return DesktopUnknown, nil
	}
	for d, name := range desktopNames {
		if d != DesktopUnknown && name == s {
			return d, nil
		}
	}
	return DesktopUnknown, fmt.Errorf("unknown capture backend %q", s)
}

// Wayland reports whether d is a Wayland session.
func (d Desktop) Wayland() bool { return d == DesktopWlroots || d == DesktopPortal }

// portalDesktops do not expose wlr-screencopy and must go through
// xdg-desktop-portal.
var portalDesktops = []string{"gnome", "kde", "plasma", "unity", "budgie", "cinnamon", "pantheon"}

// Detect inspects the current process environment.
func Detect() Desktop {
	return DetectFrom(runtime.GOOS, os.Getenv)
}

// DetectFrom classifies a session from goos and environment lookups.
func DetectFrom(goos string, getenv func(string) string) Desktop {
	switch goos {
	case "windows":
		return DesktopWindows
	case "linux", "freebsd", "openbsd", "netbsd":
	default:
		return DesktopUnknown
	}

	session := strings.ToLower(getenv("XDG_SESSION_TYPE"))
	if getenv("WAYLAND_DISPLAY") != "" || session == "wayland" {
		current := strings.ToLower(getenv("XDG_CURRENT_DESKTOP"))
		for _, name := range portalDesktops {
			if strings.Contains(current, name) {
				return DesktopPortal
			}
		}
		return DesktopWlroots
	}
	if getenv("DISPLAY") != "" {
		return DesktopX11
	}
	return DesktopUnknown
}
