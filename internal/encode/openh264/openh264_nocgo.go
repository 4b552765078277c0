//go:build !cgo

package openh264

import (
	"fmt"

	"reelcast/internal/encode"
)

func New(encode.VideoConfig) (encode.VideoCodec, error) {
	return nil, fmt.Errorf("%w: openh264 requires cgo", encode.ErrUnavailable)
}
