package audio

import "strings"

// isMonitorName reports whether a PulseAudio source name is the monitor of
// an output device.
func isMonitorName(id string) bool {
	return strings.HasSuffix(id, ".monitor")
}

// FindDevice returns the device whose ID or description equals name.
func FindDevice(devices []Device, name string) (Device, bool) {
	for _, d := range devices {
		if d.ID == name || d.Description == name {
			return d, true
		}
	}
	return Device{}, false
}
