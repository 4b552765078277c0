// Package compose turns captured frames into encoder input: crop to the
// cursor focus rect, letterbox-scale to the output size, draw the camera
// overlay, adjust color and pack to RGB24.
package compose

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"reelcast/internal/types"
)

var ErrSizeMismatch = errors.New("compose: size mismatch")

type Config struct {
	OutputWidth  int
	OutputHeight int
	Filter       Filter
	Color        ColorAdjust
	// Camera is nil when no overlay is configured.
	Camera *Overlay
}

func (c Config) Validate() error {
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 || c.OutputWidth%2 != 0 || c.OutputHeight%2 != 0 {
		return fmt.Errorf("output size %dx%d must be positive and even", c.OutputWidth, c.OutputHeight)
	}
	if c.Camera != nil {
		return c.Camera.Validate()
	}
	return nil
}

// Compositor owns scratch images between frames. It is used by one worker.
type Compositor struct {
	cfg    Config
	scaler draw.Scaler

	rgba    *image.RGBA // converted source for non-RGBA captures
	canvas  *image.RGBA // output before packing
	camTemp *image.RGBA

	camMu  sync.Mutex
	camera image.Image
}

func New(cfg Config) (*Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Compositor{
		cfg:    cfg,
		scaler: cfg.Filter.Scaler(),
		canvas: image.NewRGBA(image.Rect(0, 0, cfg.OutputWidth, cfg.OutputHeight)),
	}, nil
}

// SetCamera replaces the camera image shown in the overlay. It may be called
// from the camera worker while Compose runs.
func (c *Compositor) SetCamera(img image.Image) {
	c.camMu.Lock()
	c.camera = img
	c.camMu.Unlock()
}

// SetCameraFrame stores a camera PixelBuffer as the overlay image.
func (c *Compositor) SetCameraFrame(b *types.PixelBuffer) error {
	img, err := ToImage(b, nil)
	if err != nil {
		return err
	}
	c.SetCamera(img)
	return nil
}

// Compose produces an RGB24 frame of the output size from frame cropped to
// rect. dst is reused when it has the right size.
func (c *Compositor) Compose(frame *types.PixelBuffer, rect types.CropRect, dst *types.PixelBuffer) (*types.PixelBuffer, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if !rect.Within(frame.Width, frame.Height) {
		return nil, fmt.Errorf("%w: crop %+v outside %dx%d frame", ErrSizeMismatch, rect, frame.Width, frame.Height)
	}

	src, err := c.sourceImage(frame)
	if err != nil {
		return nil, err
	}
	crop := image.Rect(rect.X, rect.Y, rect.X+rect.Width, rect.Y+rect.Height)

	canvas := c.canvas
	fit := Fit(crop.Dx(), crop.Dy(), c.cfg.OutputWidth, c.cfg.OutputHeight)
	if fit != canvas.Bounds() {
		clear(canvas.Pix)
		opaqueAlpha(canvas)
	}
	if fit.Dx() == crop.Dx() && fit.Dy() == crop.Dy() {
		draw.Copy(canvas, fit.Min, src, crop, draw.Src, nil)
	} else {
		c.scaler.Scale(canvas, fit, src, crop, draw.Src, nil)
	}

	if c.cfg.Camera != nil {
		c.camMu.Lock()
		cam := c.camera
		c.camMu.Unlock()
		if cam != nil {
			c.camTemp = c.cfg.Camera.Draw(canvas, cam, c.scaler, c.camTemp)
		}
	}

	c.cfg.Color.Apply(canvas)

	out := packRGB24(canvas, dst)
	out.Index = frame.Index
	out.Timestamp = frame.Timestamp
	return out, nil
}

// sourceImage wraps RGBA captures without copying and converts the rest.
func (c *Compositor) sourceImage(frame *types.PixelBuffer) (*image.RGBA, error) {
	if frame.Format == types.PixelFormatRGBA8 {
		return &image.RGBA{
			Pix:    frame.Data,
			Stride: frame.Stride,
			Rect:   image.Rect(0, 0, frame.Width, frame.Height),
		}, nil
	}
	img, err := ToImage(frame, c.rgba)
	if err != nil {
		return nil, err
	}
	c.rgba = img
	return img, nil
}

// ToImage converts a packed RGB buffer to RGBA, reusing dst when sized right.
func ToImage(b *types.PixelBuffer, dst *image.RGBA) (*image.RGBA, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if dst == nil || dst.Bounds().Dx() != b.Width || dst.Bounds().Dy() != b.Height {
		dst = image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	}
	for y := 0; y < b.Height; y++ {
		s := b.Data[y*b.Stride:]
		d := dst.Pix[y*dst.Stride:]
		switch b.Format {
		case types.PixelFormatRGBA8:
			copy(d[:b.Width*4], s[:b.Width*4])
		case types.PixelFormatBGRA8:
			for x := 0; x < b.Width; x++ {
				d[x*4], d[x*4+1], d[x*4+2], d[x*4+3] = s[x*4+2], s[x*4+1], s[x*4], 255
			}
		case types.PixelFormatRGB8, types.PixelFormatRGB24:
			for x := 0; x < b.Width; x++ {
				d[x*4], d[x*4+1], d[x*4+2], d[x*4+3] = s[x*3], s[x*3+1], s[x*3+2], 255
			}
		case types.PixelFormatY8:
			for x := 0; x < b.Width; x++ {
				d[x*4], d[x*4+1], d[x*4+2], d[x*4+3] = s[x], s[x], s[x], 255
			}
		default:
			return nil, fmt.Errorf("compose: cannot convert %s to RGBA", b.Format)
		}
	}
	return dst, nil
}

func packRGB24(img *image.RGBA, dst *types.PixelBuffer) *types.PixelBuffer {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if dst == nil || dst.Width != w || dst.Height != h || dst.Format != types.PixelFormatRGB24 {
		dst = types.NewPixelBuffer(w, h, types.PixelFormatRGB24)
	}
	for y := 0; y < h; y++ {
		s := img.Pix[y*img.Stride:]
		d := dst.Data[y*dst.Stride:]
		for x := 0; x < w; x++ {
			d[x*3], d[x*3+1], d[x*3+2] = s[x*4], s[x*4+1], s[x*4+2]
		}
	}
	return dst
}

func opaqueAlpha(img *image.RGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
}
