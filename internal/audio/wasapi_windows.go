//go:build windows

package audio

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"

	"reelcast/internal/platform"
)

var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
	subtypeIEEEFloat        = ole.NewGUID("{00000003-0000-0010-8000-00AA00389B71}")
)

const (
	eRender  = 0
	eCapture = 1
	eConsole = 0

	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	audclntShareModeShared     = 0
	audclntStreamLoopback      = 0x00020000
	audclntStreamAutoConvert   = 0x80000000
	audclntStreamSrcDefaultQty = 0x08000000
	audclntBufferFlagsSilent   = 0x2
	audclntEDeviceInvalidated  = 0x88890004

	waveFormatExtensible = 0xFFFE
	speakerFrontLR       = 0x3
	speakerFrontCenter   = 0x4

	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
)

// waveFormatExtensibleFloat is WAVEFORMATEXTENSIBLE with an IEEE float subtype.
type waveFormatExtensibleFloat struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
	ValidBits      uint16
	ChannelMask    uint32
	SubFormat      ole.GUID
}

// wasapiBackend polls a shared-mode WASAPI capture client. Loopback mode
// captures the default render endpoint's mix.
type wasapiBackend struct {
	loopback bool
	rate     int
	ch       int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMicrophone opens the default capture endpoint. Only "default" (or an
// empty name) is accepted.
func NewMicrophone(name string, sampleRate, channels int) (Backend, error) {
	if name != "" && name != "default" {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	return &wasapiBackend{rate: sampleRate, ch: channels}, nil
}

// NewSpeaker captures the default render endpoint in loopback mode.
func NewSpeaker(sampleRate, channels int) (Backend, error) {
	return &wasapiBackend{loopback: true, rate: sampleRate, ch: channels}, nil
}

func ListDevices() ([]Device, error) {
	return []Device{
		{ID: "default", Description: "Default capture device", Default: true},
		{ID: "loopback", Description: "Default render device (loopback)", Monitor: true},
	}, nil
}

func (w *wasapiBackend) SampleRate() int { return w.rate }
func (w *wasapiBackend) Channels() int   { return w.ch }

type wasapiSession struct {
	enumerator, device, client, capture uintptr
}

func (s *wasapiSession) release() {
	if s.client != 0 {
		platform.ComCall(s.client, audioClientStop)
	}
	platform.ComRelease(s.capture)
	platform.ComRelease(s.client)
	platform.ComRelease(s.device)
	platform.ComRelease(s.enumerator)
}

// open runs on the capture thread with COM initialized.
func (w *wasapiBackend) open() (*wasapiSession, error) {
	s := &wasapiSession{}
	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("create MMDeviceEnumerator: %w", err)
	}
	s.enumerator = uintptr(unsafe.Pointer(unk))

	flow := uintptr(eCapture)
	if w.loopback {
		flow = eRender
	}
	if _, err := platform.ComCall(s.enumerator, mmdeGetDefaultAudioEndpoint,
		flow, eConsole, uintptr(unsafe.Pointer(&s.device))); err != nil {
		s.release()
		if w.loopback {
			return nil, fmt.Errorf("%w: %v", ErrLoopbackMissing, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	if _, err := platform.ComCall(s.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&s.client))); err != nil {
		s.release()
		return nil, fmt.Errorf("activate IAudioClient: %w", err)
	}

	mask := uint32(speakerFrontLR)
	if w.ch == 1 {
		mask = speakerFrontCenter
	}
	format := waveFormatExtensibleFloat{
		FormatTag:      waveFormatExtensible,
		Channels:       uint16(w.ch),
		SamplesPerSec:  uint32(w.rate),
		AvgBytesPerSec: uint32(w.rate * w.ch * 4),
		BlockAlign:     uint16(w.ch * 4),
		BitsPerSample:  32,
		CbSize:         22,
		ValidBits:      32,
		ChannelMask:    mask,
		SubFormat:      *subtypeIEEEFloat,
	}
	flags := uintptr(audclntStreamAutoConvert | audclntStreamSrcDefaultQty)
	if w.loopback {
		flags |= audclntStreamLoopback
	}
	bufferDuration := int64(200 * 10000) // 200 ms in 100 ns units
	if _, err := platform.ComCall(s.client, audioClientInitialize,
		audclntShareModeShared, flags, uintptr(bufferDuration), 0,
		uintptr(unsafe.Pointer(&format)), 0); err != nil {
		s.release()
		return nil, fmt.Errorf("initialize audio client: %w", err)
	}
	if _, err := platform.ComCall(s.client, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&s.capture))); err != nil {
		s.release()
		return nil, fmt.Errorf("get IAudioCaptureClient: %w", err)
	}
	if _, err := platform.ComCall(s.client, audioClientStart); err != nil {
		s.release()
		return nil, fmt.Errorf("start audio client: %w", err)
	}
	return s, nil
}

func (w *wasapiBackend) Start(fn func([]float32)) error {
	w.done = make(chan struct{})
	ready := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := platform.ComInit(); err != nil {
			ready <- err
			return
		}
		defer ole.CoUninitialize()

		s, err := w.open()
		ready <- err
		if err != nil {
			return
		}
		defer s.release()
		w.captureLoop(s, fn)
	}()
	return <-ready
}

func (w *wasapiBackend) captureLoop(s *wasapiSession, fn func([]float32)) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var buf []float32
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}
		for {
			var data uintptr
			var frames, flags uint32
			hr, _, _ := syscall.SyscallN(platform.ComVtblFn(s.capture, capClientGetBuffer),
				s.capture,
				uintptr(unsafe.Pointer(&data)),
				uintptr(unsafe.Pointer(&frames)),
				uintptr(unsafe.Pointer(&flags)),
				0, 0)
			if int32(hr) < 0 {
				if uint32(hr) == audclntEDeviceInvalidated {
					return
				}
				break
			}
			if frames == 0 {
				break
			}
			n := int(frames) * w.ch
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			buf = buf[:n]
			if flags&audclntBufferFlagsSilent != 0 || data == 0 {
				clear(buf)
			} else {
				copy(buf, unsafe.Slice((*float32)(unsafe.Pointer(data)), n))
			}
			syscall.SyscallN(platform.ComVtblFn(s.capture, capClientReleaseBuffer), s.capture, uintptr(frames))
			fn(buf)
		}
	}
}

func (w *wasapiBackend) Stop() {
	if w.done == nil {
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
}
