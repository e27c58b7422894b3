//go:build windows && (amd64 || arm64)

package platform

import (
	"fmt"
	"unsafe"

	"github.com/go-ole/go-ole"
)

// WASAPI COM GUIDs
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioRenderClient   = ole.NewGUID("{F294ACFC-3146-4483-A7BF-ADDCA7C260E2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

// WASAPI constants
const (
	eRender            = 0
	eConsole           = 0
	clsctxAll          = 0x1 | 0x2 | 0x4 | 0x10
	noActivationParams = 0

	// COM vtable indices (IUnknown = 0,1,2; interface methods start at 3)
	mmdeGetDefaultAudioEndpoint = 4  // IMMDeviceEnumerator::GetDefaultAudioEndpoint
	mmDeviceActivate            = 3  // IMMDevice::Activate
	audioClientInitialize       = 3  // IAudioClient::Initialize
	audioClientGetBufferSize    = 4  // IAudioClient::GetBufferSize
	audioClientGetMixFormat     = 8  // IAudioClient::GetMixFormat
	audioClientStart            = 10 // IAudioClient::Start
	audioClientStop             = 11 // IAudioClient::Stop
	audioClientGetService       = 14 // IAudioClient::GetService
	renderClientGetBuffer       = 3  // IAudioRenderClient::GetBuffer
	renderClientReleaseBuffer   = 4  // IAudioRenderClient::ReleaseBuffer
	capClientGetBuffer          = 3  // IAudioCaptureClient::GetBuffer
	capClientReleaseBuffer      = 4  // IAudioCaptureClient::ReleaseBuffer
	capClientGetNextPacketSize  = 5  // IAudioCaptureClient::GetNextPacketSize
)

type wasapiBackend struct {
	freq int64
}

// New returns the WASAPI backend. COM must already be initialized on the
// calling thread (see InitThread).
func New() Backend {
	return &wasapiBackend{freq: queryPerformanceFrequency()}
}

func (b *wasapiBackend) DefaultRenderDevice() (Device, error) {
	enumerator, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("CoCreateInstance MMDeviceEnumerator: %w", err)
	}
	defer enumerator.Release()

	var device uintptr
	_, err = comCall(uintptr(unsafe.Pointer(enumerator)), mmdeGetDefaultAudioEndpoint,
		uintptr(eRender), uintptr(eConsole), uintptr(unsafe.Pointer(&device)))
	if err != nil {
		return nil, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}
	return &wasapiDevice{ptr: device}, nil
}

func (b *wasapiBackend) Counter() int64 {
	return queryPerformanceCounter()
}

func (b *wasapiBackend) CounterFrequency() int64 {
	return b.freq
}

type wasapiDevice struct {
	ptr uintptr
}

func (d *wasapiDevice) Activate() (Stream, error) {
	var client uintptr
	_, err := comCall(d.ptr, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)),
		uintptr(clsctxAll),
		noActivationParams,
		uintptr(unsafe.Pointer(&client)),
	)
	if err != nil {
		return nil, fmt.Errorf("Activate IAudioClient: %w", err)
	}
	return &wasapiStream{ptr: client}, nil
}

func (d *wasapiDevice) Release() {
	comRelease(d.ptr)
	d.ptr = 0
}

// wasapiFormat owns a CoTaskMemAlloc'd WAVEFORMATEX.
type wasapiFormat struct {
	ptr uintptr
}

func (f *wasapiFormat) Wave() WaveFormat {
	if f.ptr == 0 {
		return WaveFormat{}
	}
	return *(*WaveFormat)(unsafe.Pointer(f.ptr))
}

func (f *wasapiFormat) Free() {
	if f.ptr != 0 {
		ole.CoTaskMemFree(f.ptr)
		f.ptr = 0
	}
}

type wasapiStream struct {
	ptr        uintptr
	blockAlign uint16
}

func (s *wasapiStream) MixFormat() (Format, error) {
	var p uintptr
	if _, err := comCall(s.ptr, audioClientGetMixFormat, uintptr(unsafe.Pointer(&p))); err != nil {
		return nil, fmt.Errorf("GetMixFormat: %w", err)
	}
	return &wasapiFormat{ptr: p}, nil
}

func (s *wasapiStream) Initialize(mode ShareMode, flags StreamFlags, bufferDuration int64, format Format) error {
	f, ok := format.(*wasapiFormat)
	if !ok || f.ptr == 0 {
		return fmt.Errorf("Initialize: format was not negotiated by this backend")
	}
	_, err := comCall(s.ptr, audioClientInitialize,
		uintptr(mode),
		uintptr(flags),
		uintptr(bufferDuration),
		0, // periodicity
		f.ptr,
		0, // AudioSessionGuid
	)
	if err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}
	s.blockAlign = f.Wave().BlockAlign
	return nil
}

func (s *wasapiStream) BufferSize() (uint32, error) {
	var frames uint32
	if _, err := comCall(s.ptr, audioClientGetBufferSize, uintptr(unsafe.Pointer(&frames))); err != nil {
		return 0, fmt.Errorf("GetBufferSize: %w", err)
	}
	return frames, nil
}

func (s *wasapiStream) service(iid *ole.GUID) (uintptr, error) {
	var svc uintptr
	_, err := comCall(s.ptr, audioClientGetService,
		uintptr(unsafe.Pointer(iid)),
		uintptr(unsafe.Pointer(&svc)),
	)
	return svc, err
}

func (s *wasapiStream) RenderClient() (RenderClient, error) {
	svc, err := s.service(iidIAudioRenderClient)
	if err != nil {
		return nil, fmt.Errorf("GetService IAudioRenderClient: %w", err)
	}
	return &wasapiRenderClient{ptr: svc, blockAlign: s.blockAlign}, nil
}

func (s *wasapiStream) CaptureClient() (CaptureClient, error) {
	svc, err := s.service(iidIAudioCaptureClient)
	if err != nil {
		return nil, fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}
	return &wasapiCaptureClient{ptr: svc, blockAlign: s.blockAlign}, nil
}

func (s *wasapiStream) Start() error {
	if _, err := comCall(s.ptr, audioClientStart); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	return nil
}

func (s *wasapiStream) Stop() error {
	if _, err := comCall(s.ptr, audioClientStop); err != nil {
		return fmt.Errorf("Stop: %w", err)
	}
	return nil
}

func (s *wasapiStream) Release() {
	comRelease(s.ptr)
	s.ptr = 0
}

type wasapiRenderClient struct {
	ptr        uintptr
	blockAlign uint16
}

func (r *wasapiRenderClient) GetBuffer(frames uint32) ([]byte, error) {
	var data uintptr
	_, err := comCall(r.ptr, renderClientGetBuffer, uintptr(frames), uintptr(unsafe.Pointer(&data)))
	if err != nil {
		return nil, fmt.Errorf("render GetBuffer: %w", err)
	}
	if data == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), int(frames)*int(r.blockAlign)), nil
}

func (r *wasapiRenderClient) ReleaseBuffer(frames uint32, flags BufferFlags) error {
	if _, err := comCall(r.ptr, renderClientReleaseBuffer, uintptr(frames), uintptr(flags)); err != nil {
		return fmt.Errorf("render ReleaseBuffer: %w", err)
	}
	return nil
}

func (r *wasapiRenderClient) Release() {
	comRelease(r.ptr)
	r.ptr = 0
}

type wasapiCaptureClient struct {
	ptr        uintptr
	blockAlign uint16
}

func (c *wasapiCaptureClient) NextPacket() (*Packet, error) {
	var size uint32
	if _, err := comCall(c.ptr, capClientGetNextPacketSize, uintptr(unsafe.Pointer(&size))); err != nil {
		return nil, fmt.Errorf("GetNextPacketSize: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	var (
		data   uintptr
		frames uint32
		flags  uint32
		devPos uint64
		qpcPos uint64
	)
	hr, err := comCall(c.ptr, capClientGetBuffer,
		uintptr(unsafe.Pointer(&data)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		uintptr(unsafe.Pointer(&devPos)),
		uintptr(unsafe.Pointer(&qpcPos)),
	)
	if err != nil {
		return nil, fmt.Errorf("capture GetBuffer: %w", err)
	}
	if uint32(hr) == hrAudclntSBufferEmpty {
		return nil, nil
	}

	pkt := &Packet{
		Frames:         frames,
		Flags:          BufferFlags(flags),
		DevicePosition: devPos,
		QPCPosition:    qpcPos,
	}
	if data != 0 && frames > 0 {
		pkt.Data = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(frames)*int(c.blockAlign))
	}
	return pkt, nil
}

func (c *wasapiCaptureClient) ReleaseBuffer(frames uint32) error {
	if _, err := comCall(c.ptr, capClientReleaseBuffer, uintptr(frames)); err != nil {
		return fmt.Errorf("capture ReleaseBuffer: %w", err)
	}
	return nil
}

func (c *wasapiCaptureClient) Release() {
	comRelease(c.ptr)
	c.ptr = 0
}
