package audio

import (
	"fmt"

	"github.com/petems/loopback-tray/internal/platform"
)

// endpoint holds the default render device for the duration of Start.
type endpoint struct {
	device platform.Device
}

func resolveEndpoint(b platform.Backend) (*endpoint, error) {
	device, err := b.DefaultRenderDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return &endpoint{device: device}, nil
}

func (e *endpoint) release() {
	if e.device != nil {
		e.device.Release()
		e.device = nil
	}
}
