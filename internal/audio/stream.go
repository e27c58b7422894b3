package audio

import (
	"fmt"

	"github.com/petems/loopback-tray/internal/platform"
)

type streamState int

const (
	streamCreated streamState = iota
	streamInitialized
	streamStarted
	streamStopped
	streamReleased
)

func (s streamState) String() string {
	switch s {
	case streamCreated:
		return "created"
	case streamInitialized:
		return "initialized"
	case streamStarted:
		return "started"
	case streamStopped:
		return "stopped"
	case streamReleased:
		return "released"
	}
	return fmt.Sprintf("streamState(%d)", int(s))
}

// managedStream owns one activated stream and its mix format. stop and
// release are safe to call more than once; the platform sees each call once.
type managedStream struct {
	name   string
	stream platform.Stream
	format platform.Format
	wave   platform.WaveFormat
	state  streamState
}

// activateStream activates, negotiates and initializes a shared-mode stream.
// Nothing is left allocated when it fails.
func activateStream(dev platform.Device, name string, flags platform.StreamFlags, duration100ns int64) (*managedStream, error) {
	st, err := dev.Activate()
	if err != nil {
		return nil, fmt.Errorf("%w: activate %s stream: %w", ErrStreamInitFailed, name, err)
	}
	ms := &managedStream{name: name, stream: st, state: streamCreated}

	format, err := st.MixFormat()
	if err != nil {
		ms.release()
		return nil, fmt.Errorf("%w: %s mix format: %w", ErrStreamInitFailed, name, err)
	}
	ms.format = format
	ms.wave = format.Wave()

	if err := st.Initialize(platform.ShareModeShared, flags, duration100ns, format); err != nil {
		ms.release()
		return nil, fmt.Errorf("%w: initialize %s stream: %w", ErrStreamInitFailed, name, err)
	}
	ms.state = streamInitialized
	return ms, nil
}

func (m *managedStream) start() error {
	if m.state != streamInitialized {
		return fmt.Errorf("%w: %s stream is %s", ErrInvalidState, m.name, m.state)
	}
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("%w: %s stream: %w", ErrStreamStartFailed, m.name, err)
	}
	m.state = streamStarted
	return nil
}

// stop stops a started stream. A stream whose Stop failed is still treated
// as stopped so it can be released.
func (m *managedStream) stop() error {
	if m.state != streamStarted {
		return nil
	}
	m.state = streamStopped
	if err := m.stream.Stop(); err != nil {
		return fmt.Errorf("stop %s stream: %w", m.name, err)
	}
	return nil
}

func (m *managedStream) release() {
	if m.state == streamReleased {
		return
	}
	if m.format != nil {
		m.format.Free()
		m.format = nil
	}
	m.stream.Release()
	m.stream = nil
	m.state = streamReleased
}
