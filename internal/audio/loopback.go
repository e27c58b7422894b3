package audio

import (
	"fmt"

	"github.com/petems/loopback-tray/internal/platform"
	"go.uber.org/multierr"
)

// loopbackCaptureSession reads back the render endpoint's mix. At most one
// packet is held at a time; it must be released before the next is taken.
type loopbackCaptureSession struct {
	*managedStream
	client platform.CaptureClient
	held   *platform.Packet
}

func openLoopbackCapture(dev platform.Device, duration100ns int64) (*loopbackCaptureSession, error) {
	ms, err := activateStream(dev, "capture", platform.StreamFlagLoopback, duration100ns)
	if err != nil {
		return nil, err
	}
	client, err := ms.stream.CaptureClient()
	if err != nil {
		ms.release()
		return nil, fmt.Errorf("%w: capture service: %w", ErrStreamInitFailed, err)
	}
	return &loopbackCaptureSession{managedStream: ms, client: client}, nil
}

// nextBuffer returns the next packet, or nil when none is ready.
func (c *loopbackCaptureSession) nextBuffer() (*platform.Packet, error) {
	if c.state != streamStarted {
		return nil, fmt.Errorf("%w: capture stream is %s", ErrInvalidState, c.state)
	}
	if c.held != nil {
		return nil, fmt.Errorf("%w: previous capture buffer not released", ErrInvalidState)
	}

	pkt, err := c.client.NextPacket()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFault, err)
	}
	if pkt == nil {
		return nil, nil
	}
	c.held = pkt
	if pkt.Frames == 0 {
		return nil, c.releaseBuffer()
	}
	return pkt, nil
}

// releaseBuffer hands the held packet back to the platform.
func (c *loopbackCaptureSession) releaseBuffer() error {
	if c.held == nil {
		return nil
	}
	frames := c.held.Frames
	c.held = nil
	if err := c.client.ReleaseBuffer(frames); err != nil {
		return fmt.Errorf("%w: release capture buffer: %w", ErrCaptureFault, err)
	}
	return nil
}

// stop releases a packet still held by the caller, then stops the stream.
func (c *loopbackCaptureSession) stop() error {
	err := c.releaseBuffer()
	return multierr.Append(err, c.managedStream.stop())
}

func (c *loopbackCaptureSession) close() {
	if c.client != nil {
		c.client.Release()
		c.client = nil
	}
	c.managedStream.release()
}
