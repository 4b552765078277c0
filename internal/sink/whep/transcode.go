package whep

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"reelcast/internal/encode"
)

const (
	opusRate     = 48000
	opusChannels = 2
	// samples per channel in one 20 ms Opus frame
	opusFrame = opusRate / 50

	OpusFrameDuration = 20 * time.Millisecond

	opusBitrate   = 96000
	maxOpusPacket = 4000
)

// ErrTranscodeUnavailable is returned when the binary was built without the
// AAC decoder or the Opus encoder.
var ErrTranscodeUnavailable = errors.New("whep: aac to opus transcoding unavailable")

// AudioTranscoder turns AAC access units into Opus packets.
type AudioTranscoder interface {
	Transcode(aac []byte) ([][]byte, error)
	Close()
}

type pcmEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

// Transcoder decodes AAC, resamples to 48 kHz stereo and cuts the result
// into 20 ms Opus frames. Residue shorter than a frame waits for the next
// packet.
type Transcoder struct {
	dec encode.AudioDecoder
	enc pcmEncoder
	rs  *encode.Resampler
	pcm []float32
	out []byte
}

func newTranscoder(dec encode.AudioDecoder, enc pcmEncoder) *Transcoder {
	return &Transcoder{
		dec: dec,
		enc: enc,
		rs:  encode.NewResampler(dec.SampleRate(), dec.Channels(), opusRate, opusChannels),
		out: make([]byte, maxOpusPacket),
	}
}

func (t *Transcoder) Transcode(aac []byte) ([][]byte, error) {
	planar, err := t.dec.Decode(aac)
	if err != nil {
		return nil, fmt.Errorf("whep: decode aac: %w", err)
	}
	if len(planar) == 0 || len(planar[0]) == 0 {
		return nil, nil
	}
	if !t.rs.Matches(t.dec.SampleRate(), len(planar)) {
		t.rs = encode.NewResampler(t.dec.SampleRate(), len(planar), opusRate, opusChannels)
	}
	t.pcm = append(t.pcm, t.rs.Process(interleave(planar))...)

	const step = opusFrame * opusChannels
	var packets [][]byte
	off := 0
	for len(t.pcm)-off >= step {
		n, err := t.enc.EncodeFloat32(t.pcm[off:off+step], t.out)
		if err != nil {
			return packets, fmt.Errorf("whep: encode opus: %w", err)
		}
		packets = append(packets, bytes.Clone(t.out[:n]))
		off += step
	}
	t.pcm = append(t.pcm[:0], t.pcm[off:]...)
	return packets, nil
}

func (t *Transcoder) Close() { t.dec.Close() }

func interleave(planar [][]float32) []float32 {
	ch := len(planar)
	n := len(planar[0])
	out := make([]float32, n*ch)
	for c, plane := range planar {
		for i := 0; i < n && i < len(plane); i++ {
			out[i*ch+c] = plane[i]
		}
	}
	return out
}
