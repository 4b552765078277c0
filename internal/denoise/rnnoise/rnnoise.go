//go:build cgo

// Package rnnoise binds librnnoise as a denoise.Suppressor.
package rnnoise

/*
#cgo pkg-config: rnnoise
#include <rnnoise.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"reelcast/internal/denoise"
)

type state struct {
	st *C.DenoiseState
}

// New creates a suppressor using the built-in model.
func New() (denoise.Suppressor, error) {
	if n := int(C.rnnoise_get_frame_size()); n != denoise.FrameSize {
		return nil, fmt.Errorf("rnnoise: frame size %d, want %d", n, denoise.FrameSize)
	}
	st := C.rnnoise_create(nil)
	if st == nil {
		return nil, errors.New("rnnoise: create failed")
	}
	return &state{st: st}, nil
}

func (s *state) ProcessFrame(out, in []float32) float32 {
	return float32(C.rnnoise_process_frame(s.st,
		(*C.float)(unsafe.Pointer(&out[0])),
		(*C.float)(unsafe.Pointer(&in[0]))))
}

func (s *state) Close() {
	if s.st != nil {
		C.rnnoise_destroy(s.st)
		s.st = nil
	}
}
