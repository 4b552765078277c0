package types

import (
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of a PixelBuffer.
type PixelFormat int

const (
	PixelFormatRGBA8 PixelFormat = iota
	PixelFormatRGB8
	PixelFormatBGRA8
	PixelFormatRGB24
	PixelFormatYUV420P
	PixelFormatY8
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA8:
		return "RGBA8"
	case PixelFormatRGB8:
		return "RGB8"
	case PixelFormatBGRA8:
		return "BGRA8"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatYUV420P:
		return "YUV420P"
	case PixelFormatY8:
		return "Y8"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// BytesPerPixel returns the packed pixel size. YUV420P reports the luma plane size.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGBA8, PixelFormatBGRA8:
		return 4
	case PixelFormatRGB8, PixelFormatRGB24:
		return 3
	default:
		return 1
	}
}

// PixelBuffer is a rectangular image owned by exactly one stage at a time.
// For YUV420P, Data holds [Y | U | V] with Stride as the luma row size and
// chroma planes of (Width+1)/2 × (Height+1)/2.
type PixelBuffer struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte

	// Index is the delivery sequence number within the capture stream.
	Index uint64
	// Timestamp is the capture instant relative to stream start.
	Timestamp time.Duration
}

// NewPixelBuffer allocates a tightly packed buffer.
func NewPixelBuffer(width, height int, format PixelFormat) *PixelBuffer {
	if format == PixelFormatYUV420P {
		cw, ch := (width+1)/2, (height+1)/2
		return &PixelBuffer{
			Width:  width,
			Height: height,
			Stride: width,
			Format: format,
			Data:   make([]byte, width*height+2*cw*ch),
		}
	}
	stride := width * format.BytesPerPixel()
	return &PixelBuffer{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Data:   make([]byte, stride*height),
	}
}

// Row returns the pixel bytes of row y without stride padding.
func (b *PixelBuffer) Row(y int) []byte {
	off := y * b.Stride
	return b.Data[off : off+b.Width*b.Format.BytesPerPixel()]
}

// Validate checks that Data can hold Height rows of Stride bytes.
func (b *PixelBuffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid pixel buffer size %dx%d", b.Width, b.Height)
	}
	if b.Format == PixelFormatYUV420P {
		cw, ch := (b.Width+1)/2, (b.Height+1)/2
		if len(b.Data) < b.Stride*b.Height+2*cw*ch {
			return fmt.Errorf("yuv420p buffer too small: %d bytes", len(b.Data))
		}
		return nil
	}
	if b.Stride < b.Width*b.Format.BytesPerPixel() {
		return fmt.Errorf("stride %d smaller than row size for %dx%d %s", b.Stride, b.Width, b.Height, b.Format)
	}
	if len(b.Data) < b.Stride*(b.Height-1)+b.Width*b.Format.BytesPerPixel() {
		return fmt.Errorf("pixel buffer too small: %d bytes for %dx%d stride %d", len(b.Data), b.Width, b.Height, b.Stride)
	}
	return nil
}

// SampleFormat describes how AudioFrame samples are laid out.
type SampleFormat int

const (
	SampleF32Interleaved SampleFormat = iota
	SampleF32Planar
	SampleS16
	SampleS24
	SampleS32
)

func (f SampleFormat) String() string {
	switch f {
	case SampleF32Interleaved:
		return "f32"
	case SampleF32Planar:
		return "f32p"
	case SampleS16:
		return "s16"
	case SampleS24:
		return "s24"
	case SampleS32:
		return "s32"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// AudioFrame carries normalized float samples. Interleaved is the wire format
// between stages; planar frames store channel after channel.
type AudioFrame struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
	Samples    []float32
	// Timestamp is the capture instant relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of samples per channel.
func (f *AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// CropRect is a region of a source image. Width and height are even.
type CropRect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Within reports whether r lies inside a w×h source.
func (r CropRect) Within(w, h int) bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= w && r.Y+r.Height <= h
}

// CursorSample is a pointer position in source-image coordinates.
type CursorSample struct {
	X  int
	Y  int
	At time.Time
}

// FrameKind tags an EncodedFrame.
type FrameKind int

const (
	KindVideoKey FrameKind = iota
	KindVideoDelta
	KindVideoSequenceHeader
	KindAudioSequenceHeader
	KindAudio
	KindEnd
)

func (k FrameKind) String() string {
	switch k {
	case KindVideoKey:
		return "video-key"
	case KindVideoDelta:
		return "video-delta"
	case KindVideoSequenceHeader:
		return "video-seq-header"
	case KindAudioSequenceHeader:
		return "audio-seq-header"
	case KindAudio:
		return "audio"
	case KindEnd:
		return "end"
	}
	return fmt.Sprintf("FrameKind(%d)", int(k))
}

// EncodedFrame is an encoded packet. PTS is in milliseconds from stream start.
// Data is immutable once the frame leaves its encoder; sinks share it read-only.
type EncodedFrame struct {
	Kind FrameKind
	PTS  int64
	Data []byte
	// AnnexB is true when video Data uses start codes instead of length prefixes.
	AnnexB bool
}

func (f *EncodedFrame) IsVideo() bool {
	return f.Kind == KindVideoKey || f.Kind == KindVideoDelta || f.Kind == KindVideoSequenceHeader
}

func (f *EncodedFrame) IsAudio() bool {
	return f.Kind == KindAudio || f.Kind == KindAudioSequenceHeader
}

// Transform is a display output rotation/flip.
type Transform int

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

var transformNames = map[Transform]string{
	TransformNormal:     "normal",
	Transform90:         "90",
	Transform180:        "180",
	Transform270:        "270",
	TransformFlipped:    "flipped",
	TransformFlipped90:  "flipped-90",
	TransformFlipped180: "flipped-180",
	TransformFlipped270: "flipped-270",
}

func (t Transform) String() string {
	if s, ok := transformNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// ParseTransform accepts the wlr-randr transform names.
func ParseTransform(s string) (Transform, error) {
	for t, name := range transformNames {
		if name == s {
			return t, nil
		}
	}
	return TransformNormal, fmt.Errorf("unknown transform %q", s)
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ScreenInfo describes a display output.
type ScreenInfo struct {
	Name           string
	LogicalSize    Size
	PhysicalSizeMM *Size
	Position       Point
	Transform      Transform
	ScaleFactor    float64
}

// VideoEncoder turns encoder-input PixelBuffers into H.264 packets.
// EncodeFrame passes every packet ready after frame to sink; none while the
// codec needs more input.
type VideoEncoder interface {
	EncodeFrame(frame *PixelBuffer, sink func(*EncodedFrame) error) error
	Headers() ([]byte, error)
	Flush(sink func(*EncodedFrame) error) error
	Close()
}

// AudioEncoder turns interleaved AudioFrames into AAC packets.
type AudioEncoder interface {
	Encode(frame *AudioFrame) ([]*EncodedFrame, error)
	Header() []byte
	Flush() ([]*EncodedFrame, error)
	Close()
}
