//go:build !linux && !windows

package audio

func NewMicrophone(name string, sampleRate, channels int) (Backend, error) {
	return nil, ErrUnavailable
}

func NewSpeaker(sampleRate, channels int) (Backend, error) {
	return nil, ErrLoopbackMissing
}

func ListDevices() ([]Device, error) { return nil, ErrUnavailable }
