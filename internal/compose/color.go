package compose

import "image"

// ColorAdjust holds per-frame corrections. Each value is in [-1, 1] and zero
// leaves the image unchanged.
type ColorAdjust struct {
	Brightness float64
	Contrast   float64
	Saturation float64
}

func (c ColorAdjust) IsZero() bool {
	return c.Brightness == 0 && c.Contrast == 0 && c.Saturation == 0
}

// Apply adjusts img in place: brightness, then contrast, then saturation.
func (c ColorAdjust) Apply(img *image.RGBA) {
	if c.IsZero() {
		return
	}
	lut := c.lut()
	sat := 1 + c.Saturation
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			r, g, bl := lut[row[i]], lut[row[i+1]], lut[row[i+2]]
			if c.Saturation != 0 {
				l := 0.299*r + 0.587*g + 0.114*bl
				r = l + (r-l)*sat
				g = l + (g-l)*sat
				bl = l + (bl-l)*sat
			}
			row[i] = clampByte(r)
			row[i+1] = clampByte(g)
			row[i+2] = clampByte(bl)
		}
	}
}

// lut precomputes brightness and contrast, clamped, for every input level.
func (c ColorAdjust) lut() [256]float64 {
	var t [256]float64
	for v := 0; v < 256; v++ {
		x := clampF(float64(v)+c.Brightness*255, 0, 255)
		x = clampF((x-128)*(1+c.Contrast)+128, 0, 255)
		t[v] = x
	}
	return t
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) byte {
	return byte(clampF(v+0.5, 0, 255))
}
