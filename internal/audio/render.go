package audio

import (
	"fmt"

	"github.com/petems/loopback-tray/internal/platform"
)

// silentBufferDuration is the render buffer length: 1s in 100ns units.
const silentBufferDuration = 10_000_000

// silentRenderSession plays flagged silence on the endpoint. Loopback
// delivers no frames while the endpoint is idle, so it must run for as long
// as the capture stream does.
type silentRenderSession struct {
	*managedStream
	client platform.RenderClient
}

func openSilentRender(dev platform.Device) (*silentRenderSession, error) {
	ms, err := activateStream(dev, "render", platform.StreamFlagsNone, silentBufferDuration)
	if err != nil {
		return nil, err
	}
	client, err := ms.stream.RenderClient()
	if err != nil {
		ms.release()
		return nil, fmt.Errorf("%w: render service: %w", ErrStreamInitFailed, err)
	}
	return &silentRenderSession{managedStream: ms, client: client}, nil
}

// primeAndStart hands the whole buffer back marked silent, then starts the
// stream. The platform plays the silent flag without reading the samples.
func (r *silentRenderSession) primeAndStart() error {
	frames, err := r.stream.BufferSize()
	if err != nil {
		return fmt.Errorf("%w: render buffer size: %w", ErrStreamStartFailed, err)
	}
	if _, err := r.client.GetBuffer(frames); err != nil {
		return fmt.Errorf("%w: acquire render buffer: %w", ErrStreamStartFailed, err)
	}
	if err := r.client.ReleaseBuffer(frames, platform.BufferFlagSilent); err != nil {
		return fmt.Errorf("%w: release render buffer: %w", ErrStreamStartFailed, err)
	}
	return r.start()
}

func (r *silentRenderSession) close() {
	if r.client != nil {
		r.client.Release()
		r.client = nil
	}
	r.managedStream.release()
}
