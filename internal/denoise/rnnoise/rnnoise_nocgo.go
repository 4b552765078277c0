//go:build !cgo

package rnnoise

import (
	"errors"

	"reelcast/internal/denoise"
)

func New() (denoise.Suppressor, error) {
	return nil, errors.New("rnnoise: built without cgo")
}
