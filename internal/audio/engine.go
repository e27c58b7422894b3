package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/petems/loopback-tray/internal/platform"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Backend         platform.Backend
	Logger          zerolog.Logger
	TimestampSource TimestampSource
}

// noCopy trips go vet's copylocks check when an Engine is copied.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Engine runs one loopback capture session.
//
// An Engine is not safe for concurrent use. The platform binds its streams
// to the OS thread that called Start, so every call must come from the
// goroutine that started it, locked to its thread with runtime.LockOSThread.
// Stopped is terminal; use a new Engine to capture again.
type Engine struct {
	noCopy noCopy

	backend platform.Backend
	log     zerolog.Logger
	source  TimestampSource

	state   State
	render  *silentRenderSession
	capture *loopbackCaptureSession
	tb      *timebase
	wave    platform.WaveFormat
	frames  uint64
	view    *View
}

// NewEngine returns an idle Engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		backend: cfg.Backend,
		log:     cfg.Logger,
		source:  cfg.TimestampSource,
	}
}

// Start opens the silent render stream and the loopback capture stream on
// the default output device. bufferDuration sizes the capture buffer.
// On failure everything opened by this call is released and the engine is
// idle again.
func (e *Engine) Start(bufferDuration time.Duration) (err error) {
	if e.state != StateIdle {
		return fmt.Errorf("%w: start called while %s", ErrInvalidState, e.state)
	}
	duration100ns := int64(bufferDuration / 100)
	if duration100ns <= 0 {
		return fmt.Errorf("%w: buffer duration %s is too short", ErrStreamInitFailed, bufferDuration)
	}

	e.state = StateStarting
	defer func() {
		if err == nil {
			return
		}
		if terr := e.teardown(); terr != nil {
			e.log.Warn().Err(terr).Msg("Unwinding failed start")
		}
		e.state = StateIdle
		e.log.Error().Err(err).Msg("Loopback capture failed to start")
	}()

	ep, err := resolveEndpoint(e.backend)
	if err != nil {
		return err
	}
	defer ep.release()

	// The render stream has to be running before capture starts, or the
	// first pulls starve.
	if e.render, err = openSilentRender(ep.device); err != nil {
		return err
	}
	if err = e.render.primeAndStart(); err != nil {
		return err
	}

	if e.capture, err = openLoopbackCapture(ep.device, duration100ns); err != nil {
		return err
	}
	if err = e.capture.start(); err != nil {
		return err
	}

	e.tb = newTimebase(takeSnapshot(e.backend), e.capture.wave.SamplesPerSec, e.source)
	e.wave = e.capture.wave
	e.state = StateRunning

	e.log.Info().
		Uint32("sample_rate", e.wave.SamplesPerSec).
		Uint16("channels", e.wave.Channels).
		Uint16("bits_per_sample", e.wave.BitsPerSample).
		Dur("buffer", bufferDuration).
		Stringer("timestamps", e.source).
		Msg("Loopback capture started")
	return nil
}

// View is a captured buffer whose Data still points into platform memory.
// It must be released before the next Acquire or Pull.
type View struct {
	Buffer
	e *Engine
}

// Release returns the view's memory to the platform. Releasing twice, or
// after the engine stopped, is a no-op.
func (v *View) Release() error {
	e := v.e
	if e == nil {
		return nil
	}
	v.e = nil
	v.Data = nil
	if e.view != v {
		return nil
	}
	e.view = nil
	if err := e.capture.releaseBuffer(); err != nil {
		return e.fault(err)
	}
	return nil
}

// Acquire returns the next captured buffer without copying it, or nil when
// no data is ready. Data is nil for silent buffers.
func (e *Engine) Acquire() (*View, error) {
	if e.state != StateRunning {
		return nil, fmt.Errorf("%w: acquire called while %s", ErrInvalidState, e.state)
	}
	if e.view != nil {
		return nil, fmt.Errorf("%w: previous buffer not released", ErrInvalidState)
	}

	pkt, err := e.capture.nextBuffer()
	if err != nil {
		return nil, e.fault(err)
	}
	if pkt == nil {
		return nil, nil
	}
	ts, err := e.tb.stamp(pkt)
	if err != nil {
		return nil, e.fault(err)
	}
	e.frames += uint64(pkt.Frames)

	v := &View{
		Buffer: Buffer{
			Frames:    uint64(pkt.Frames),
			Flags:     bufferFlags(pkt.Flags),
			Timestamp: ts,
			Position:  pkt.DevicePosition,
		},
		e: e,
	}
	if !v.Silent() {
		v.Data = pkt.Data
	}
	e.view = v

	e.log.Trace().
		Uint64("frames", v.Frames).
		Uint64("position", v.Position).
		Dur("timestamp", v.Timestamp).
		Bool("silent", v.Silent()).
		Msg("Captured buffer")
	return v, nil
}

// Pull returns a copy of the next captured buffer, or nil when no data is
// ready. Silent buffers come back zero-filled with their full length.
func (e *Engine) Pull() (*Buffer, error) {
	v, err := e.Acquire()
	if err != nil || v == nil {
		return nil, err
	}

	buf := v.Buffer
	buf.Data = make([]byte, int(buf.Frames)*int(e.wave.BlockAlign))
	if !buf.Silent() {
		copy(buf.Data, v.Data)
	}
	if err := v.Release(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Stop stops capture, then render, and releases every platform resource.
// All steps run even if some fail; the failures are returned together.
// Stopping a stopped engine does nothing.
func (e *Engine) Stop() error {
	switch e.state {
	case StateStopped:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("%w: stop called while %s", ErrInvalidState, e.state)
	}

	e.state = StateStopping
	err := e.teardown()
	e.state = StateStopped
	if err != nil {
		e.log.Warn().Err(err).Msg("Loopback capture stopped with errors")
		return fmt.Errorf("%w: %w", ErrStopFailed, err)
	}
	e.log.Info().Uint64("frames", e.frames).Msg("Loopback capture stopped")
	return nil
}

// fault tears the session down after a fatal capture error.
func (e *Engine) fault(cause error) error {
	if !errors.Is(cause, ErrCaptureFault) {
		cause = fmt.Errorf("%w: %w", ErrCaptureFault, cause)
	}
	e.log.Error().Err(cause).Msg("Loopback capture fault")

	e.state = StateStopping
	if err := e.teardown(); err != nil {
		e.log.Warn().Err(err).Msg("Teardown after capture fault incomplete")
	}
	e.state = StateStopped
	return cause
}

// teardown stops capture before render so the loopback source never decays
// to silence mid-capture, then releases both streams.
func (e *Engine) teardown() error {
	if e.view != nil {
		e.view.e = nil
		e.view.Data = nil
		e.view = nil
	}

	var errs error
	if e.capture != nil {
		errs = multierr.Append(errs, e.capture.stop())
	}
	if e.render != nil {
		errs = multierr.Append(errs, e.render.stop())
	}
	if e.capture != nil {
		e.capture.close()
		e.capture = nil
	}
	if e.render != nil {
		e.render.close()
		e.render = nil
	}
	return errs
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State { return e.state }

// Format returns the negotiated capture format. Zero before Start.
func (e *Engine) Format() platform.WaveFormat { return e.wave }

// FramesCaptured returns the number of frames delivered so far, silent
// frames included.
func (e *Engine) FramesCaptured() uint64 { return e.frames }

// Snapshot returns the session's timebase snapshot, and false before Start.
func (e *Engine) Snapshot() (Snapshot, bool) {
	if e.tb == nil {
		return Snapshot{}, false
	}
	return e.tb.snap, true
}

func bufferFlags(f platform.BufferFlags) Flags {
	var out Flags
	if f&platform.BufferFlagSilent != 0 {
		out |= FlagSilent
	}
	if f&platform.BufferFlagDataDiscontinuity != 0 {
		out |= FlagDiscontinuity
	}
	if f&platform.BufferFlagTimestampError != 0 {
		out |= FlagTimestampError
	}
	return out
}
