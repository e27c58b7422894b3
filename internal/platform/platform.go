// Package platform describes the native audio-session capabilities the
// loopback engine consumes. The Windows implementation talks to WASAPI;
// other operating systems get a backend that reports no device.
package platform

import "errors"

var (
	// ErrNotFound is returned when there is no default render endpoint.
	ErrNotFound = errors.New("no default render endpoint")
	// ErrDeviceInvalidated is returned when the endpoint went away while a
	// stream was using it.
	ErrDeviceInvalidated = errors.New("audio device invalidated")
	// ErrUnsupported is returned by backends that cannot do loopback capture.
	ErrUnsupported = errors.New("loopback capture is not supported on this platform")
)

// ShareMode selects how a stream shares the endpoint.
type ShareMode int

// ShareModeShared mixes the stream with other clients of the endpoint.
const ShareModeShared ShareMode = 0

// StreamFlags are passed to Stream.Initialize.
type StreamFlags uint32

const (
	StreamFlagsNone    StreamFlags = 0
	StreamFlagLoopback StreamFlags = 0x00020000 // AUDCLNT_STREAMFLAGS_LOOPBACK
)

// BufferFlags annotate a render or capture buffer.
type BufferFlags uint32

const (
	BufferFlagDataDiscontinuity BufferFlags = 0x1 // AUDCLNT_BUFFERFLAGS_DATA_DISCONTINUITY
	BufferFlagSilent            BufferFlags = 0x2 // AUDCLNT_BUFFERFLAGS_SILENT
	BufferFlagTimestampError    BufferFlags = 0x4 // AUDCLNT_BUFFERFLAGS_TIMESTAMP_ERROR
)

// Format tags of interest in WaveFormat.FormatTag.
const (
	WaveFormatPCM        = 0x0001
	WaveFormatIEEEFloat  = 0x0003
	WaveFormatExtensible = 0xFFFE
)

// WaveFormat mirrors the leading fields of WAVEFORMATEX.
type WaveFormat struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
}

// IsFloat reports whether samples are 32-bit IEEE floats. Extensible mix
// formats with 32-bit containers are float on every shared-mode engine.
func (w WaveFormat) IsFloat() bool {
	return w.FormatTag == WaveFormatIEEEFloat ||
		(w.FormatTag == WaveFormatExtensible && w.BitsPerSample == 32)
}

// Format is a platform-allocated mix format. Free must be called exactly once.
type Format interface {
	Wave() WaveFormat
	Free()
}

// Backend is the entry point into the platform audio subsystem.
type Backend interface {
	// DefaultRenderDevice resolves the current default output endpoint.
	DefaultRenderDevice() (Device, error)
	// Counter returns the monotonic high-resolution counter value.
	Counter() int64
	// CounterFrequency returns the counter ticks per second.
	CounterFrequency() int64
}

// Device is an audio endpoint handle.
type Device interface {
	Activate() (Stream, error)
	Release()
}

// Stream is an activated audio client on a Device.
type Stream interface {
	MixFormat() (Format, error)
	Initialize(mode ShareMode, flags StreamFlags, bufferDuration int64, format Format) error
	// BufferSize returns the allocated buffer size in frames. Valid after Initialize.
	BufferSize() (uint32, error)
	RenderClient() (RenderClient, error)
	CaptureClient() (CaptureClient, error)
	Start() error
	Stop() error
	Release()
}

// RenderClient writes into a playback stream's buffer.
type RenderClient interface {
	GetBuffer(frames uint32) ([]byte, error)
	ReleaseBuffer(frames uint32, flags BufferFlags) error
	Release()
}

// Packet describes one captured buffer. Data is a view into platform memory
// and is only valid until the matching CaptureClient.ReleaseBuffer call.
type Packet struct {
	Data           []byte
	Frames         uint32
	Flags          BufferFlags
	DevicePosition uint64
	// QPCPosition is the counter value at the first frame, in 100ns units.
	QPCPosition uint64
}

// CaptureClient reads from a capture stream's buffer.
type CaptureClient interface {
	// NextPacket returns the next available packet, or nil when none is ready.
	NextPacket() (*Packet, error)
	ReleaseBuffer(frames uint32) error
	Release()
}
