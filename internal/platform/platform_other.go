//go:build !windows || !(amd64 || arm64)

package platform

import "time"

type unsupportedBackend struct{}

// New returns a backend that has no render endpoints; loopback capture is
// only implemented on top of WASAPI.
func New() Backend {
	return unsupportedBackend{}
}

func (unsupportedBackend) DefaultRenderDevice() (Device, error) {
	return nil, ErrUnsupported
}

func (unsupportedBackend) Counter() int64 {
	return time.Now().UnixNano()
}

func (unsupportedBackend) CounterFrequency() int64 {
	return int64(time.Second)
}
