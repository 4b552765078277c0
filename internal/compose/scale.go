package compose

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Filter is the resampling kernel used by the scaler.
type Filter int

const (
	Nearest Filter = iota
	Bilinear
	Bicubic
	Lanczos3
)

func (f Filter) String() string {
	switch f {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	case Lanczos3:
		return "lanczos3"
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

func ParseFilter(s string) (Filter, error) {
	switch s {
	case "nearest":
		return Nearest, nil
	case "bilinear", "":
		return Bilinear, nil
	case "bicubic":
		return Bicubic, nil
	case "lanczos3", "lanczos":
		return Lanczos3, nil
	}
	return Nearest, fmt.Errorf("unknown resize filter %q", s)
}

var lanczos3 = &draw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t < -3 || t > 3 {
			return 0
		}
		pt := math.Pi * t
		return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
	},
}

// Scaler returns the x/image scaler for f.
func (f Filter) Scaler() draw.Scaler {
	switch f {
	case Nearest:
		return draw.NearestNeighbor
	case Bicubic:
		return draw.CatmullRom
	case Lanczos3:
		return lanczos3
	}
	return draw.BiLinear
}

// Fit returns the largest rectangle with the aspect ratio of srcW×srcH that
// fits inside outW×outH, centred. Sizes are rounded down to even.
func Fit(srcW, srcH, outW, outH int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 {
		return image.Rect(0, 0, outW, outH)
	}
	w, h := outW, outH
	if srcW*outH > outW*srcH {
		h = int(math.Round(float64(outW) * float64(srcH) / float64(srcW)))
	} else {
		w = int(math.Round(float64(outH) * float64(srcW) / float64(srcH)))
	}
	w, h = max(2, w&^1), max(2, h&^1)
	x := (outW - w) / 2
	y := (outH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}
