//go:build cgo

package whep

import (
	"fmt"

	"github.com/hraban/opus"

	"reelcast/internal/encode/libav"
)

// NewOpusTranscoder builds a transcoder for the AAC stream described by asc.
func NewOpusTranscoder(asc []byte) (AudioTranscoder, error) {
	dec, err := libav.NewAACDecoder(asc)
	if err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(opusRate, opusChannels, opus.AppAudio)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("whep: opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		dec.Close()
		return nil, fmt.Errorf("whep: opus bitrate: %w", err)
	}
	return newTranscoder(dec, enc), nil
}
