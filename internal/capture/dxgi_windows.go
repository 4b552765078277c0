//go:build windows

package capture

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"reelcast/internal/platform"
	"reelcast/internal/types"
)

var (
	d3d11DLL              = windows.NewLazySystemDLL("d3d11.dll")
	procD3D11CreateDevice = d3d11DLL.NewProc("D3D11CreateDevice")
)

const (
	d3dDriverTypeHardware = 1
	d3dFeatureLevel11_0   = 0xb000
	d3d11SDKVersion       = 7
	d3d11CreateDeviceBGRA = 0x20

	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11MapRead       = 1
	dxgiFormatB8G8R8A8 = 87

	dxgiErrNotFound      = 0x887A0002
	dxgiErrDeviceRemoved = 0x887A0005
	dxgiErrDeviceReset   = 0x887A0007
	dxgiErrAccessLost    = 0x887A0026
	dxgiErrWaitTimeout   = 0x887A0027

	vtblQueryInterface         = 0
	dxgiDeviceGetAdapter       = 7
	dxgiAdapterEnumOutputs     = 7
	dxgiOutputGetDesc          = 7
	dxgiOutput1DuplicateOutput = 22
	dxgiDuplGetDesc            = 7
	dxgiDuplAcquireNextFrame   = 8
	dxgiDuplReleaseFrame       = 14
	d3d11DeviceCreateTexture2D = 5
	d3d11CtxMap                = 14
	d3d11CtxUnmap              = 15
	d3d11CtxCopyResource       = 47

	// acquireTimeoutMs bounds one AcquireNextFrame wait; on timeout the
	// previous frame is repeated.
	acquireTimeoutMs = 100

	// firstFrameAttempts bounds the wait for the initial desktop image.
	firstFrameAttempts = 50
)

var (
	iidIDXGIDevice     = ole.NewGUID("{54ec77fa-1377-44e6-8c32-88fd5f44c84c}")
	iidIDXGIOutput1    = ole.NewGUID("{00cddea8-939b-4b83-a340-a685226666cc}")
	iidID3D11Texture2D = ole.NewGUID("{6f15aaf2-d208-4e89-9ab4-489535d34f9c}")
)

type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

type d3d11MappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

type dxgiModeDesc struct {
	Width            uint32
	Height           uint32
	RefreshNum       uint32
	RefreshDen       uint32
	Format           uint32
	ScanlineOrdering uint32
	Scaling          uint32
}

type dxgiOutDuplDesc struct {
	ModeDesc                   dxgiModeDesc
	Rotation                   uint32
	DesktopImageInSystemMemory int32
}

type dxgiOutDuplFrameInfo struct {
	LastPresentTime           int64
	LastMouseUpdateTime       int64
	AccumulatedFrames         uint32
	RectsCoalesced            int32
	ProtectedContentMaskedOut int32
	PointerPositionX          int32
	PointerPositionY          int32
	PointerVisible            int32
	TotalMetadataBufferSize   uint32
	PointerShapeBufferSize    uint32
}

type dxgiOutputDesc struct {
	DeviceName               [32]uint16
	Left, Top, Right, Bottom int32
	AttachedToDesktop        int32
	Rotation                 uint32
	Monitor                  uintptr
}

func init() {
	Register(platform.DesktopWindows, openDXGI, listDXGI)
}

// d3dDevice is a hardware D3D11 device and its DXGI adapter.
type d3dDevice struct {
	device  uintptr
	context uintptr
	adapter uintptr
}

func newD3DDevice() (*d3dDevice, error) {
	if err := procD3D11CreateDevice.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var d d3dDevice
	level := uint32(d3dFeatureLevel11_0)
	var actual uint32
	hr, _, _ := procD3D11CreateDevice.Call(
		0,
		uintptr(d3dDriverTypeHardware),
		0,
		uintptr(d3d11CreateDeviceBGRA),
		uintptr(unsafe.Pointer(&level)),
		1,
		uintptr(d3d11SDKVersion),
		uintptr(unsafe.Pointer(&d.device)),
		uintptr(unsafe.Pointer(&actual)),
		uintptr(unsafe.Pointer(&d.context)),
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("%w: D3D11CreateDevice 0x%08X", ErrBackendUnavailable, uint32(hr))
	}

	var dxgiDevice uintptr
	if _, err := platform.ComCall(d.device, vtblQueryInterface,
		uintptr(unsafe.Pointer(iidIDXGIDevice)), uintptr(unsafe.Pointer(&dxgiDevice))); err != nil {
		d.release()
		return nil, fmt.Errorf("QueryInterface IDXGIDevice: %w", err)
	}
	defer platform.ComRelease(dxgiDevice)
	if _, err := platform.ComCall(dxgiDevice, dxgiDeviceGetAdapter, uintptr(unsafe.Pointer(&d.adapter))); err != nil {
		d.release()
		return nil, fmt.Errorf("IDXGIDevice::GetAdapter: %w", err)
	}
	return &d, nil
}

// outputs enumerates the adapter's outputs. The caller releases each handle.
func (d *d3dDevice) outputs() ([]uintptr, []dxgiOutputDesc, error) {
	var (
		handles []uintptr
		descs   []dxgiOutputDesc
	)
	for i := 0; ; i++ {
		var out uintptr
		hr, _, _ := syscall.SyscallN(platform.ComVtblFn(d.adapter, dxgiAdapterEnumOutputs),
			d.adapter, uintptr(i), uintptr(unsafe.Pointer(&out)))
		if uint32(hr) == dxgiErrNotFound {
			break
		}
		if int32(hr) < 0 {
			for _, h := range handles {
				platform.ComRelease(h)
			}
			return nil, nil, fmt.Errorf("IDXGIAdapter::EnumOutputs(%d): 0x%08X", i, uint32(hr))
		}
		var desc dxgiOutputDesc
		if _, err := platform.ComCall(out, dxgiOutputGetDesc, uintptr(unsafe.Pointer(&desc))); err != nil {
			platform.ComRelease(out)
			continue
		}
		handles = append(handles, out)
		descs = append(descs, desc)
	}
	return handles, descs, nil
}

func (d *d3dDevice) release() {
	platform.ComRelease(d.adapter)
	platform.ComRelease(d.context)
	platform.ComRelease(d.device)
	*d = d3dDevice{}
}

func listDXGI() ([]types.ScreenInfo, error) {
	d, err := newD3DDevice()
	if err != nil {
		return nil, err
	}
	defer d.release()
	handles, descs, err := d.outputs()
	if err != nil {
		return nil, err
	}
	screens := make([]types.ScreenInfo, 0, len(descs))
	for i, desc := range descs {
		platform.ComRelease(handles[i])
		if desc.AttachedToDesktop == 0 {
			continue
		}
		screens = append(screens, types.ScreenInfo{
			Name:        windows.UTF16ToString(desc.DeviceName[:]),
			LogicalSize: types.Size{Width: int(desc.Right - desc.Left), Height: int(desc.Bottom - desc.Top)},
			Position:    types.Point{X: int(desc.Left), Y: int(desc.Top)},
			Transform:   dxgiTransform(desc.Rotation),
			ScaleFactor: 1,
		})
	}
	return screens, nil
}

// dxgiTransform maps DXGI_MODE_ROTATION (1 identity .. 4 rotate270).
func dxgiTransform(rot uint32) types.Transform {
	switch rot {
	case 2:
		return types.Transform90
	case 3:
		return types.Transform180
	case 4:
		return types.Transform270
	}
	return types.TransformNormal
}

// dxgiBackend duplicates one output through a CPU-readable staging texture.
// Frames are delivered in native panel orientation.
type dxgiBackend struct {
	name   string
	logger *zap.Logger

	dev           *d3dDevice
	duplication   uintptr
	staging       uintptr
	width, height int

	last *types.PixelBuffer
}

func openDXGI(name string, _ bool, _ int, logger *zap.Logger) (Backend, error) {
	b := &dxgiBackend{name: name, logger: logger.With(zap.String("backend", "dxgi"))}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *dxgiBackend) init() error {
	dev, err := newD3DDevice()
	if err != nil {
		return err
	}
	handles, descs, err := dev.outputs()
	if err != nil {
		dev.release()
		return err
	}
	var output uintptr
	for i, desc := range descs {
		if output == 0 && desc.AttachedToDesktop != 0 &&
			(b.name == "" || windows.UTF16ToString(desc.DeviceName[:]) == b.name) {
			output = handles[i]
			continue
		}
		platform.ComRelease(handles[i])
	}
	if output == 0 {
		dev.release()
		return fmt.Errorf("%w: %q", ErrNoOutput, b.name)
	}

	var output1 uintptr
	_, err = platform.ComCall(output, vtblQueryInterface,
		uintptr(unsafe.Pointer(iidIDXGIOutput1)), uintptr(unsafe.Pointer(&output1)))
	platform.ComRelease(output)
	if err != nil {
		dev.release()
		return fmt.Errorf("%w: IDXGIOutput1: %v", ErrUnsupported, err)
	}
	defer platform.ComRelease(output1)

	var dupl uintptr
	if _, err := platform.ComCall(output1, dxgiOutput1DuplicateOutput,
		dev.device, uintptr(unsafe.Pointer(&dupl))); err != nil {
		dev.release()
		return fmt.Errorf("%w: DuplicateOutput: %v", ErrAccessLost, err)
	}

	var desc dxgiOutDuplDesc
	syscall.SyscallN(platform.ComVtblFn(dupl, dxgiDuplGetDesc), dupl, uintptr(unsafe.Pointer(&desc)))
	w, h := int(desc.ModeDesc.Width), int(desc.ModeDesc.Height)
	if desc.Rotation == 2 || desc.Rotation == 4 {
		w, h = h, w
	}
	if w <= 0 || h <= 0 {
		platform.ComRelease(dupl)
		dev.release()
		return fmt.Errorf("invalid duplication size %dx%d", w, h)
	}

	texDesc := d3d11Texture2DDesc{
		Width:          uint32(w),
		Height:         uint32(h),
		MipLevels:      1,
		ArraySize:      1,
		Format:         dxgiFormatB8G8R8A8,
		SampleCount:    1,
		Usage:          d3d11UsageStaging,
		CPUAccessFlags: d3d11CPUAccessRead,
	}
	var staging uintptr
	if _, err := platform.ComCall(dev.device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&texDesc)), 0, uintptr(unsafe.Pointer(&staging))); err != nil {
		platform.ComRelease(dupl)
		dev.release()
		return fmt.Errorf("CreateTexture2D staging: %w", err)
	}

	b.dev, b.duplication, b.staging = dev, dupl, staging
	b.width, b.height = w, h
	b.logger.Debug("desktop duplication ready",
		zap.Int("width", w), zap.Int("height", h), zap.Uint32("rotation", desc.Rotation))
	return nil
}

func (b *dxgiBackend) Size() (int, int) { return b.width, b.height }

func (b *dxgiBackend) CaptureOnce(bool) (*types.PixelBuffer, error) {
	if b.dev == nil {
		return nil, ErrResetRequired
	}
	var info dxgiOutDuplFrameInfo
	var resource uintptr
	for attempt := 1; ; attempt++ {
		hr, _, _ := syscall.SyscallN(platform.ComVtblFn(b.duplication, dxgiDuplAcquireNextFrame),
			b.duplication, acquireTimeoutMs, uintptr(unsafe.Pointer(&info)), uintptr(unsafe.Pointer(&resource)))
		switch uint32(hr) {
		case dxgiErrWaitTimeout:
			if b.last != nil {
				return cloneBuffer(b.last), nil
			}
			if attempt < firstFrameAttempts {
				continue
			}
			return nil, fmt.Errorf("%w: no desktop frame presented", ErrResetRequired)
		case dxgiErrAccessLost:
			return nil, ErrAccessLost
		case dxgiErrDeviceRemoved, dxgiErrDeviceReset:
			return nil, fmt.Errorf("%w: device 0x%08X", ErrResetRequired, uint32(hr))
		}
		if int32(hr) < 0 {
			return nil, fmt.Errorf("AcquireNextFrame: 0x%08X", uint32(hr))
		}
		break
	}
	defer syscall.SyscallN(platform.ComVtblFn(b.duplication, dxgiDuplReleaseFrame), b.duplication)

	if info.AccumulatedFrames == 0 && b.last != nil {
		platform.ComRelease(resource)
		return cloneBuffer(b.last), nil
	}

	var texture uintptr
	_, err := platform.ComCall(resource, vtblQueryInterface,
		uintptr(unsafe.Pointer(iidID3D11Texture2D)), uintptr(unsafe.Pointer(&texture)))
	platform.ComRelease(resource)
	if err != nil {
		return nil, fmt.Errorf("QueryInterface ID3D11Texture2D: %w", err)
	}
	syscall.SyscallN(platform.ComVtblFn(b.dev.context, d3d11CtxCopyResource), b.dev.context, b.staging, texture)
	platform.ComRelease(texture)

	var mapped d3d11MappedSubresource
	if _, err := platform.ComCall(b.dev.context, d3d11CtxMap,
		b.staging, 0, d3d11MapRead, 0, uintptr(unsafe.Pointer(&mapped))); err != nil {
		return nil, fmt.Errorf("map staging texture: %w", err)
	}
	pitch := int(mapped.RowPitch)
	src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), pitch*b.height)
	out := types.NewPixelBuffer(b.width, b.height, types.PixelFormatBGRA8)
	for y := 0; y < b.height; y++ {
		copy(out.Row(y), src[y*pitch:y*pitch+b.width*4])
	}
	syscall.SyscallN(platform.ComVtblFn(b.dev.context, d3d11CtxUnmap), b.dev.context, b.staging, 0)

	swapRB(out)
	opaque(out)
	b.last = out
	return cloneBuffer(out), nil
}

func (b *dxgiBackend) Reinit() error {
	b.release()
	return b.init()
}

func (b *dxgiBackend) release() {
	platform.ComRelease(b.staging)
	platform.ComRelease(b.duplication)
	b.staging, b.duplication = 0, 0
	if b.dev != nil {
		b.dev.release()
		b.dev = nil
	}
}

func (b *dxgiBackend) Close() { b.release() }
