// Package yuv converts packed RGB to planar I420 and back using BT.601
// full-range coefficients.
package yuv

import (
	"fmt"
	"math"

	"reelcast/internal/types"
)

// 16.16 fixed point coefficients.
const (
	yr = 19595 // 0.299
	yg = 38470 // 0.587
	yb = 7471  // 0.114

	ur = -11059 // -0.168736
	ug = -21709 // -0.331264
	ub = 32768  // 0.5

	vr = 32768  // 0.5
	vg = -27439 // -0.418688
	vb = -5329  // -0.081312

	rv = 91881  // 1.402
	gu = -22554 // -0.344136
	gv = -46802 // -0.714136
	bu = 116130 // 1.772
)

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// channelOrder returns the byte offsets of R, G and B and the pixel size.
func channelOrder(f types.PixelFormat) (r, g, b, bpp int, err error) {
	switch f {
	case types.PixelFormatRGB24, types.PixelFormatRGB8:
		return 0, 1, 2, 3, nil
	case types.PixelFormatRGBA8:
		return 0, 1, 2, 4, nil
	case types.PixelFormatBGRA8:
		return 2, 1, 0, 4, nil
	}
	return 0, 0, 0, 0, fmt.Errorf("yuv: unsupported source format %s", f)
}

// FromRGB converts src into an I420 buffer of the same size. dst is reused
// when its size matches.
func FromRGB(src, dst *types.PixelBuffer) (*types.PixelBuffer, error) {
	ro, gob, bo, bpp, err := channelOrder(src.Format)
	if err != nil {
		return nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	w, h := src.Width, src.Height
	if dst == nil || dst.Width != w || dst.Height != h || dst.Format != types.PixelFormatYUV420P {
		dst = types.NewPixelBuffer(w, h, types.PixelFormatYUV420P)
	}
	dst.Index = src.Index
	dst.Timestamp = src.Timestamp

	cw, ch := (w+1)/2, (h+1)/2
	yPlane := dst.Data[:w*h]
	uPlane := dst.Data[w*h : w*h+cw*ch]
	vPlane := dst.Data[w*h+cw*ch : w*h+2*cw*ch]

	for y := 0; y < h; y++ {
		row := src.Data[y*src.Stride:]
		out := yPlane[y*w:]
		for x := 0; x < w; x++ {
			p := row[x*bpp:]
			r, g, b := int32(p[ro]), int32(p[gob]), int32(p[bo])
			out[x] = clamp8((yr*r + yg*g + yb*b + 1<<15) >> 16)
		}
	}

	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			var sr, sg, sb, n int32
			for dy := 0; dy < 2; dy++ {
				y := cy*2 + dy
				if y >= h {
					break
				}
				row := src.Data[y*src.Stride:]
				for dx := 0; dx < 2; dx++ {
					x := cx*2 + dx
					if x >= w {
						break
					}
					p := row[x*bpp:]
					sr += int32(p[ro])
					sg += int32(p[gob])
					sb += int32(p[bo])
					n++
				}
			}
			r, g, b := sr/n, sg/n, sb/n
			uPlane[cy*cw+cx] = clamp8((ur*r+ug*g+ub*b+1<<15)>>16 + 128)
			vPlane[cy*cw+cx] = clamp8((vr*r+vg*g+vb*b+1<<15)>>16 + 128)
		}
	}
	return dst, nil
}

// ToRGB24 converts an I420 buffer back to packed RGB24.
func ToRGB24(src *types.PixelBuffer) (*types.PixelBuffer, error) {
	if src.Format != types.PixelFormatYUV420P {
		return nil, fmt.Errorf("yuv: expected YUV420P, got %s", src.Format)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	w, h := src.Width, src.Height
	cw, ch := (w+1)/2, (h+1)/2
	yPlane := src.Data[:src.Stride*h]
	uPlane := src.Data[src.Stride*h : src.Stride*h+cw*ch]
	vPlane := src.Data[src.Stride*h+cw*ch:]

	dst := types.NewPixelBuffer(w, h, types.PixelFormatRGB24)
	dst.Index = src.Index
	dst.Timestamp = src.Timestamp
	for y := 0; y < h; y++ {
		out := dst.Data[y*dst.Stride:]
		for x := 0; x < w; x++ {
			Y := int32(yPlane[y*src.Stride+x]) << 16
			U := int32(uPlane[(y/2)*cw+x/2]) - 128
			V := int32(vPlane[(y/2)*cw+x/2]) - 128
			out[x*3] = clamp8((Y + rv*V + 1<<15) >> 16)
			out[x*3+1] = clamp8((Y + gu*U + gv*V + 1<<15) >> 16)
			out[x*3+2] = clamp8((Y + bu*U + 1<<15) >> 16)
		}
	}
	return dst, nil
}

// Planes returns the Y, U and V planes of an I420 buffer.
func Planes(b *types.PixelBuffer) (y, u, v []byte) {
	cw, ch := (b.Width+1)/2, (b.Height+1)/2
	ySize := b.Stride * b.Height
	return b.Data[:ySize], b.Data[ySize : ySize+cw*ch], b.Data[ySize+cw*ch : ySize+2*cw*ch]
}

// PSNR returns the peak signal-to-noise ratio in dB between two RGB24 images
// of equal size. Identical images report +Inf.
func PSNR(a, b *types.PixelBuffer) (float64, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return 0, fmt.Errorf("yuv: size mismatch %dx%d vs %dx%d", a.Width, a.Height, b.Width, b.Height)
	}
	var sum float64
	n := 0
	for y := 0; y < a.Height; y++ {
		ra, rb := a.Row(y), b.Row(y)
		for i := range ra {
			d := float64(ra[i]) - float64(rb[i])
			sum += d * d
			n++
		}
	}
	if sum == 0 {
		return math.Inf(1), nil
	}
	mse := sum / float64(n)
	return 10 * math.Log10(255*255/mse), nil
}
