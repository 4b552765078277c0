package compose

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

type Shape int

const (
	ShapeRect Shape = iota
	ShapeCircle
)

func ParseShape(s string) (Shape, error) {
	switch s {
	case "rect", "rectangle":
		return ShapeRect, nil
	case "circle", "":
		return ShapeCircle, nil
	}
	return ShapeRect, fmt.Errorf("unknown overlay shape %q", s)
}

// Overlay places a camera image on the output frame.
type Overlay struct {
	Shape Shape
	// PosX and PosY place the overlay inside the frame, 0 is left/top and 1 is
	// right/bottom.
	PosX, PosY float64
	// Width and Height size a rectangle overlay; Radius sizes a circle.
	Width, Height int
	Radius        int

	BorderWidth int
	// BorderColor is straight (not premultiplied) alpha.
	BorderColor color.RGBA

	// Zoom >= 1 magnifies the camera image; ClipX and ClipY in [0,1] choose
	// which part of the magnified image is shown.
	Zoom         float64
	ClipX, ClipY float64
}

func (o *Overlay) Validate() error {
	if o.PosX < 0 || o.PosX > 1 || o.PosY < 0 || o.PosY > 1 {
		return fmt.Errorf("overlay position %.2f,%.2f outside [0,1]", o.PosX, o.PosY)
	}
	if o.ClipX < 0 || o.ClipX > 1 || o.ClipY < 0 || o.ClipY > 1 {
		return fmt.Errorf("overlay clip position %.2f,%.2f outside [0,1]", o.ClipX, o.ClipY)
	}
	if o.Zoom != 0 && o.Zoom < 1 {
		return fmt.Errorf("overlay zoom %.2f below 1", o.Zoom)
	}
	w, h := o.size()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("overlay size %dx%d", w, h)
	}
	if o.BorderWidth < 0 {
		return fmt.Errorf("negative border width")
	}
	return nil
}

func (o *Overlay) size() (int, int) {
	if o.Shape == ShapeCircle {
		return 2 * o.Radius, 2 * o.Radius
	}
	return o.Width, o.Height
}

// Bounds returns where the overlay lands in a frame of the given size. The
// overlay never extends past the frame.
func (o *Overlay) Bounds(frame image.Rectangle) image.Rectangle {
	w, h := o.size()
	w, h = min(w, frame.Dx()), min(h, frame.Dy())
	x := frame.Min.X + int(math.Round(o.PosX*float64(frame.Dx()-w)))
	y := frame.Min.Y + int(math.Round(o.PosY*float64(frame.Dy()-h)))
	return image.Rect(x, y, x+w, y+h)
}

// sourceRect returns the part of a camW×camH image that fills a w×h window
// after cover-fitting and zooming.
func (o *Overlay) sourceRect(camW, camH, w, h int) image.Rectangle {
	zoom := o.Zoom
	if zoom < 1 {
		zoom = 1
	}
	cover := math.Max(float64(w)/float64(camW), float64(h)/float64(camH)) * zoom
	sw := math.Min(float64(camW), float64(w)/cover)
	sh := math.Min(float64(camH), float64(h)/cover)
	x := (float64(camW) - sw) * o.ClipX
	y := (float64(camH) - sh) * o.ClipY
	return image.Rect(int(x), int(y), int(math.Round(x+sw)), int(math.Round(y+sh)))
}

// Draw composites cam onto dst. scratch is reused between frames.
func (o *Overlay) Draw(dst *image.RGBA, cam image.Image, scaler draw.Scaler, scratch *image.RGBA) *image.RGBA {
	area := o.Bounds(dst.Bounds())
	w, h := area.Dx(), area.Dy()
	if w <= 0 || h <= 0 {
		return scratch
	}
	if scratch == nil || scratch.Bounds().Dx() != w || scratch.Bounds().Dy() != h {
		scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	cb := cam.Bounds()
	src := o.sourceRect(cb.Dx(), cb.Dy(), w, h).Add(cb.Min)
	scaler.Scale(scratch, scratch.Bounds(), cam, src, draw.Src, nil)

	if o.Shape == ShapeCircle {
		o.blitCircle(dst, scratch, area)
	} else {
		o.blitRect(dst, scratch, area)
	}
	return scratch
}

func (o *Overlay) blitRect(dst, src *image.RGBA, area image.Rectangle) {
	bw := o.BorderWidth
	for y := 0; y < area.Dy(); y++ {
		d := dst.Pix[dst.PixOffset(area.Min.X, area.Min.Y+y):]
		s := src.Pix[src.PixOffset(0, y):]
		for x := 0; x < area.Dx(); x++ {
			border := bw > 0 && (x < bw || y < bw || x >= area.Dx()-bw || y >= area.Dy()-bw)
			if border {
				setPix(d[x*4:], o.BorderColor)
				continue
			}
			copy(d[x*4:x*4+3], s[x*4:x*4+3])
			d[x*4+3] = 255
		}
	}
}

func (o *Overlay) blitCircle(dst, src *image.RGBA, area image.Rectangle) {
	r := float64(area.Dx()) / 2
	inner := r - float64(o.BorderWidth)
	cx, cy := r, float64(area.Dy())/2
	for y := 0; y < area.Dy(); y++ {
		d := dst.Pix[dst.PixOffset(area.Min.X, area.Min.Y+y):]
		s := src.Pix[src.PixOffset(0, y):]
		dy := float64(y) + 0.5 - cy
		for x := 0; x < area.Dx(); x++ {
			dx := float64(x) + 0.5 - cx
			dist := math.Sqrt(dx*dx + dy*dy)
			switch {
			case dist > r:
			case dist > inner:
				setPix(d[x*4:], o.BorderColor)
			default:
				copy(d[x*4:x*4+3], s[x*4:x*4+3])
				d[x*4+3] = 255
			}
		}
	}
}

// setPix blends c over the pixel at p.
func setPix(p []byte, c color.RGBA) {
	if c.A == 255 {
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, 255
		return
	}
	a := uint32(c.A)
	p[0] = byte((uint32(c.R)*a + uint32(p[0])*(255-a)) / 255)
	p[1] = byte((uint32(c.G)*a + uint32(p[1])*(255-a)) / 255)
	p[2] = byte((uint32(c.B)*a + uint32(p[2])*(255-a)) / 255)
	p[3] = 255
}
