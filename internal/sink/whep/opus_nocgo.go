//go:build !cgo

package whep

func NewOpusTranscoder([]byte) (AudioTranscoder, error) {
	return nil, ErrTranscodeUnavailable
}
