package yuv

import (
	"testing"

	"reelcast/internal/types"
)

func gradient(w, h int, format types.PixelFormat) *types.PixelBuffer {
	b := types.NewPixelBuffer(w, h, format)
	bpp := format.BytesPerPixel()
	for y := 0; y < h; y++ {
		row := b.Row(y)
		for x := 0; x < w; x++ {
			p := row[x*bpp:]
			r, g, bl := byte(x*255/(w-1)), byte(y*255/(h-1)), byte((x+y)*255/(w+h-2))
			switch format {
			case types.PixelFormatBGRA8:
				p[0], p[1], p[2], p[3] = bl, g, r, 255
			case types.PixelFormatRGBA8:
				p[0], p[1], p[2], p[3] = r, g, bl, 255
			default:
				p[0], p[1], p[2] = r, g, bl
			}
		}
	}
	return b
}

func TestRoundTripPSNR(t *testing.T) {
	t.Parallel()

	for _, size := range [][2]int{{64, 48}, {320, 180}, {101, 75}} {
		src := gradient(size[0], size[1], types.PixelFormatRGB24)
		i420, err := FromRGB(src, nil)
		if err != nil {
			t.Fatalf("from rgb: %v", err)
		}
		back, err := ToRGB24(i420)
		if err != nil {
			t.Fatalf("to rgb: %v", err)
		}
		psnr, err := PSNR(src, back)
		if err != nil {
			t.Fatal(err)
		}
		if psnr < 35 {
			t.Fatalf("%dx%d psnr = %.2f dB, want >= 35", size[0], size[1], psnr)
		}
	}
}

func TestBGRAMatchesRGB(t *testing.T) {
	t.Parallel()

	rgb, _ := FromRGB(gradient(32, 32, types.PixelFormatRGB24), nil)
	bgra, _ := FromRGB(gradient(32, 32, types.PixelFormatBGRA8), nil)
	for i := range rgb.Data {
		if rgb.Data[i] != bgra.Data[i] {
			t.Fatalf("plane byte %d differs: %d vs %d", i, rgb.Data[i], bgra.Data[i])
		}
	}
}

func TestPrimaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rgb     [3]byte
		y, u, v byte
	}{
		{[3]byte{0, 0, 0}, 0, 128, 128},
		{[3]byte{255, 255, 255}, 255, 128, 128},
		{[3]byte{255, 0, 0}, 76, 85, 255},
	}
	for _, c := range cases {
		src := types.NewPixelBuffer(2, 2, types.PixelFormatRGB24)
		for i := 0; i < 4; i++ {
			copy(src.Data[i*3:], c.rgb[:])
		}
		out, err := FromRGB(src, nil)
		if err != nil {
			t.Fatal(err)
		}
		y, u, v := Planes(out)
		if y[0] != c.y || u[0] != c.u || v[0] != c.v {
			t.Fatalf("rgb %v -> yuv %d %d %d, want %d %d %d", c.rgb, y[0], u[0], v[0], c.y, c.u, c.v)
		}
	}
}

func TestStridedSource(t *testing.T) {
	t.Parallel()

	packed := gradient(16, 8, types.PixelFormatRGBA8)
	padded := &types.PixelBuffer{Width: 16, Height: 8, Stride: 16*4 + 32, Format: types.PixelFormatRGBA8}
	padded.Data = make([]byte, padded.Stride*8)
	for y := 0; y < 8; y++ {
		copy(padded.Data[y*padded.Stride:], packed.Row(y))
	}
	a, _ := FromRGB(packed, nil)
	b, _ := FromRGB(padded, nil)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("stride not honored at byte %d", i)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	t.Parallel()

	if _, err := FromRGB(types.NewPixelBuffer(4, 4, types.PixelFormatY8), nil); err == nil {
		t.Fatal("expected error for Y8 source")
	}
}
