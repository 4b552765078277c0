// Package libav binds libavcodec: libx264 for H.264 and the native AAC
// encoder and decoder. Without cgo every constructor returns
// encode.ErrUnavailable.
package libav
