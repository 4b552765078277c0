package compose

import (
	"fmt"
	"strings"
)

// Resolution is an output size preset.
type Resolution string

const (
	ResolutionOriginal Resolution = "original"
	Resolution480p     Resolution = "480p"
	Resolution720p     Resolution = "720p"
	Resolution1080p    Resolution = "1080p"
	Resolution2K       Resolution = "2k"
	Resolution4K       Resolution = "4k"
)

var presetSizes = map[Resolution][2]int{
	Resolution480p:  {640, 480},
	Resolution720p:  {1280, 720},
	Resolution1080p: {1920, 1080},
	Resolution2K:    {2560, 1440},
	Resolution4K:    {3840, 2160},
}

func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return ResolutionOriginal, nil
	}
	if r == ResolutionOriginal {
		return r, nil
	}
	if _, ok := presetSizes[r]; ok {
		return r, nil
	}
	return ResolutionOriginal, fmt.Errorf("unknown resolution %q", s)
}

// Dimensions returns the output size for a source of origW×origH. Presets keep
// the source aspect ratio: wider sources are scaled by width, taller ones by
// height. Both sides are rounded down to even.
func (r Resolution) Dimensions(origW, origH int) (int, int) {
	target, ok := presetSizes[r]
	if !ok || origW <= 0 || origH <= 0 {
		return max(2, origW&^1), max(2, origH&^1)
	}
	var w, h int
	if origW*target[1] > target[0]*origH {
		w, h = target[0], target[0]*origH/origW
	} else {
		w, h = target[1]*origW/origH, target[1]
	}
	return max(2, w&^1), max(2, h&^1)
}

// PreferredResolution picks the largest preset whose height fits the screen.
func PreferredResolution(height int) Resolution {
	switch {
	case height >= 2160:
		return Resolution4K
	case height >= 1440:
		return Resolution2K
	case height >= 1080:
		return Resolution1080p
	case height >= 720:
		return Resolution720p
	case height >= 480:
		return Resolution480p
	}
	return ResolutionOriginal
}

// FPS presets accepted by the capture loop.
var FPSPresets = []int{24, 25, 30, 60}

const DefaultFPS = 25

func ValidFPS(fps int) bool {
	for _, f := range FPSPresets {
		if f == fps {
			return true
		}
	}
	return false
}
