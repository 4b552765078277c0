//go:build !cgo

package libav

import (
	"fmt"

	"reelcast/internal/encode"
)

func NewVideo(encode.VideoConfig) (encode.VideoCodec, error) {
	return nil, fmt.Errorf("%w: libx264 requires cgo", encode.ErrUnavailable)
}

func NewAAC(encode.AudioConfig) (encode.AudioCodec, error) {
	return nil, fmt.Errorf("%w: aac encoder requires cgo", encode.ErrUnavailable)
}

func NewAACDecoder([]byte) (encode.AudioDecoder, error) {
	return nil, fmt.Errorf("%w: aac decoder requires cgo", encode.ErrUnavailable)
}
