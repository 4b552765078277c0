// Package wav reads and writes RIFF/WAVE files with interleaved int16, int24,
// int32 PCM or float32 samples.
//
// Samples cross the API as float32 in the file's native range: integer
// formats keep their integer scale (an int16 file yields values in
// [-32768, 32767]), float files yield [-1, 1].
package wav

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var ErrUnsupportedFormat = errors.New("wav: unsupported format")

const (
	tagPCM        = 0x0001
	tagFloat      = 0x0003
	tagExtensible = 0xFFFE
)

// Format describes the sample layout of a WAVE stream.
type Format struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	Float         bool
}

func (f Format) String() string {
	kind := "int"
	if f.Float {
		kind = "float"
	}
	return fmt.Sprintf("%d Hz %dch %s%d", f.SampleRate, f.Channels, kind, f.BitsPerSample)
}

// Validate reports ErrUnsupportedFormat for layouts this package cannot encode.
func (f Format) Validate() error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, f.Channels, f.SampleRate)
	}
	if f.Float {
		if f.BitsPerSample != 32 {
			return fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, f.BitsPerSample)
		}
		return nil
	}
	switch f.BitsPerSample {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: %d-bit pcm", ErrUnsupportedFormat, f.BitsPerSample)
}

func (f Format) bytesPerSample() int { return f.BitsPerSample / 8 }

// MaxValue is the largest positive sample value for the format.
func (f Format) MaxValue() float32 {
	if f.Float {
		return 1
	}
	return float32(int64(1)<<(f.BitsPerSample-1) - 1)
}

// Reader decodes samples from the data chunk of a WAVE stream.
type Reader struct {
	Format Format

	r         *bufio.Reader
	closer    io.Closer
	remaining int64 // bytes left in the data chunk, -1 if unbounded
	total     int64
	buf       []byte
}

// Open opens a WAVE file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader parses the RIFF header and positions r at the first sample.
func NewReader(src io.Reader) (*Reader, error) {
	r := &Reader{r: bufio.NewReaderSize(src, 64*1024)}

	var hdr [12]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}

	haveFmt := false
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r.r, ch[:]); err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r.r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if err := r.parseFmt(body); err != nil {
				return nil, err
			}
			haveFmt = true
			if size%2 == 1 {
				r.r.Discard(1)
			}
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt", ErrUnsupportedFormat)
			}
			r.remaining = size
			if size == 0xFFFFFFFF {
				r.remaining = -1
			}
			r.total = size / int64(r.Format.bytesPerSample())
			return r, nil
		default:
			skip := size + size%2
			if _, err := r.r.Discard(int(skip)); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

func (r *Reader) parseFmt(b []byte) error {
	if len(b) < 16 {
		return fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupportedFormat, len(b))
	}
	tag := binary.LittleEndian.Uint16(b[0:2])
	r.Format = Format{
		Channels:      int(binary.LittleEndian.Uint16(b[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[4:8])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if tag == tagExtensible {
		if len(b) < 40 {
			return fmt.Errorf("%w: short extensible fmt chunk", ErrUnsupportedFormat)
		}
		// The sub-format GUID begins with the plain format tag.
		tag = binary.LittleEndian.Uint16(b[24:26])
	}
	switch tag {
	case tagPCM:
	case tagFloat:
		r.Format.Float = true
	default:
		return fmt.Errorf("%w: format tag %#04x", ErrUnsupportedFormat, tag)
	}
	return r.Format.Validate()
}

// Len returns the number of samples (all channels) in the data chunk, or 0
// when the header does not declare a length.
func (r *Reader) Len() int64 {
	if r.remaining < 0 {
		return 0
	}
	return r.total
}

// Read decodes up to len(dst) samples. It returns io.EOF once the data chunk
// is exhausted. A trailing partial sample is ignored.
func (r *Reader) Read(dst []float32) (int, error) {
	bps := r.Format.bytesPerSample()
	want := len(dst) * bps
	if r.remaining >= 0 && int64(want) > r.remaining {
		want = int(r.remaining) / bps * bps
	}
	if want == 0 {
		return 0, io.EOF
	}
	if cap(r.buf) < want {
		r.buf = make([]byte, want)
	}
	buf := r.buf[:want]
	n, err := io.ReadFull(r.r, buf)
	n = n / bps * bps
	if r.remaining >= 0 {
		r.remaining -= int64(n)
	}
	count := n / bps
	for i := 0; i < count; i++ {
		dst[i] = r.decode(buf[i*bps:])
	}
	if count > 0 {
		return count, nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return 0, err
}

func (r *Reader) decode(b []byte) float32 {
	switch {
	case r.Format.Float:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case r.Format.BitsPerSample == 16:
		return float32(int16(binary.LittleEndian.Uint16(b)))
	case r.Format.BitsPerSample == 24:
		v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
		return float32(v << 8 >> 8)
	default:
		return float32(int32(binary.LittleEndian.Uint32(b)))
	}
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Writer encodes interleaved samples into a WAVE stream. Sizes in the header
// are patched on Close.
type Writer struct {
	Format Format

	w       io.WriteSeeker
	bw      *bufio.Writer
	closer  io.Closer
	written int64
	scratch []byte
	closed  bool
}

// Create creates or truncates path and writes a header for f.
func Create(path string, f Format) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(file, f)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

func NewWriter(dst io.WriteSeeker, f Format) (*Writer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{Format: f, w: dst, bw: bufio.NewWriterSize(dst, 64*1024)}
	if _, err := w.bw.Write(w.header(0)); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return w, nil
}

func (w *Writer) header(dataLen uint32) []byte {
	f := w.Format
	tag := uint16(tagPCM)
	if f.Float {
		tag = tagFloat
	}
	blockAlign := f.Channels * f.bytesPerSample()
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36+dataLen)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], tag)
	binary.LittleEndian.PutUint16(h[22:], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(f.BitsPerSample))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], dataLen)
	return h
}

// Write encodes samples given in the format's native range. Integer formats
// round and clamp.
func (w *Writer) Write(samples []float32) error {
	if w.closed {
		return os.ErrClosed
	}
	bps := w.Format.bytesPerSample()
	need := len(samples) * bps
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	b := w.scratch[:need]
	for i, s := range samples {
		w.encode(b[i*bps:], s)
	}
	n, err := w.bw.Write(b)
	w.written += int64(n)
	return err
}

func (w *Writer) encode(b []byte, s float32) {
	if w.Format.Float {
		binary.LittleEndian.PutUint32(b, math.Float32bits(s))
		return
	}
	max := float64(w.Format.MaxValue())
	v := math.Round(float64(s))
	if v > max {
		v = max
	} else if v < -max-1 {
		v = -max - 1
	}
	i := int32(v)
	switch w.Format.BitsPerSample {
	case 16:
		binary.LittleEndian.PutUint16(b, uint16(int16(i)))
	case 24:
		b[0], b[1], b[2] = byte(i), byte(i>>8), byte(i>>16)
	default:
		binary.LittleEndian.PutUint32(b, uint32(i))
	}
}

// Samples returns the number of samples written so far.
func (w *Writer) Samples() int64 { return w.written / int64(w.Format.bytesPerSample()) }

// Close flushes buffered samples, patches the header and closes the
// underlying file when the writer owns it.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.finish()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) finish() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush wav data: %w", err)
	}
	if w.written%2 == 1 {
		if _, err := w.w.Write([]byte{0}); err != nil {
			return err
		}
	}
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek wav header: %w", err)
	}
	if _, err := w.w.Write(w.header(uint32(w.written))); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}
