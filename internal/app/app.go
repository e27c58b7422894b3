package app

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/petems/loopback-tray/internal/audio"
	"github.com/petems/loopback-tray/internal/config"
	"github.com/petems/loopback-tray/internal/platform"
	"github.com/rs/zerolog"
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetCapturing()
	SetError()
}

type Config struct {
	Backend       platform.Backend
	Config        *config.Config
	ConfigPath    string // empty means the default location
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater                       // Optional - can be nil
	ListDevices   func() ([]audio.AudioDevice, error) // Optional - can be nil
}

// Stats describes the current or most recent capture session.
type Stats struct {
	Capturing       bool
	Started         time.Time
	SampleRate      uint32
	Channels        uint16
	BitsPerSample   uint16
	Buffers         uint64
	Frames          uint64
	SilentBuffers   uint64
	Discontinuities uint64
	Position        time.Duration // timestamp of the latest buffer
	Level           audio.Level
	LastError       string
}

// Captured returns the captured audio length implied by the frame count.
func (s Stats) Captured() time.Duration {
	return audio.FramesToDuration(s.Frames, s.SampleRate)
}

type App struct {
	backend    platform.Backend
	cfg        *config.Config
	configPath string
	log        zerolog.Logger
	status     StatusUpdater
	devices    func() ([]audio.AudioDevice, error)

	mu        sync.Mutex
	capturing bool
	stop      chan struct{}
	done      chan error
	stats     Stats
}

func New(cfg Config) *App {
	return &App{
		backend:    cfg.Backend,
		cfg:        cfg.Config,
		configPath: cfg.ConfigPath,
		log:        cfg.Logger,
		status:     cfg.StatusUpdater,
		devices:    cfg.ListDevices,
	}
}

type startResult struct {
	format platform.WaveFormat
	err    error
}

// StartCapture opens a loopback session on a dedicated OS thread and begins
// draining it every poll interval. It returns once the session is running
// or has failed to start.
func (a *App) StartCapture() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capturing {
		return nil
	}

	source, err := audio.ParseTimestampSource(a.cfg.Capture.TimestampSource)
	if err != nil {
		return err
	}

	a.log.Info().Msg("Starting capture")

	stop := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan startResult, 1)
	go a.captureLoop(captureParams{
		source:   source,
		buffer:   a.cfg.BufferDuration(),
		interval: a.cfg.PollInterval(),
	}, stop, done, started)

	res := <-started
	if res.err != nil {
		a.stats.Capturing = false
		a.stats.LastError = res.err.Error()
		if a.status != nil {
			a.status.SetError()
		}
		return res.err
	}

	a.capturing = true
	a.stop = stop
	a.done = done
	a.stats = Stats{
		Capturing:     true,
		Started:       time.Now(),
		SampleRate:    res.format.SamplesPerSec,
		Channels:      res.format.Channels,
		BitsPerSample: res.format.BitsPerSample,
		Level:         audio.Level{PeakDB: audio.SilenceFloorDB, RMSDB: audio.SilenceFloorDB},
	}

	if a.status != nil {
		a.status.SetCapturing()
	}
	return nil
}

// StopCapture ends the running session and waits for its thread to finish.
func (a *App) StopCapture() error {
	return a.stopCapture(context.Background())
}

func (a *App) stopCapture(ctx context.Context) error {
	a.mu.Lock()
	if !a.capturing {
		a.mu.Unlock()
		return nil
	}
	a.log.Info().Msg("Stopping capture")
	a.capturing = false
	a.stats.Capturing = false
	close(a.stop)
	a.stop = nil
	done := a.done
	a.done = nil
	a.mu.Unlock()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.stats.LastError = err.Error()
		if a.status != nil {
			a.status.SetError()
		}
		return err
	}
	if a.status != nil {
		a.status.SetIdle()
	}
	return nil
}

// Toggle starts capture when idle and stops it when running.
func (a *App) Toggle() error {
	if a.IsCapturing() {
		return a.StopCapture()
	}
	return a.StartCapture()
}

type captureParams struct {
	source   audio.TimestampSource
	buffer   time.Duration
	interval time.Duration
}

// captureLoop owns the engine for its whole life. The platform binds the
// streams to the thread that opened them, so the goroutine stays locked.
func (a *App) captureLoop(p captureParams, stop <-chan struct{}, done chan<- error, started chan<- startResult) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	uninit, err := platform.InitThread()
	if err != nil {
		started <- startResult{err: err}
		return
	}
	defer uninit()

	eng := audio.NewEngine(audio.EngineConfig{
		Backend:         a.backend,
		Logger:          a.log,
		TimestampSource: p.source,
	})
	if err := eng.Start(p.buffer); err != nil {
		started <- startResult{err: err}
		return
	}
	started <- startResult{format: eng.Format()}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			done <- eng.Stop()
			return
		case <-ticker.C:
			if err := a.drain(eng); err != nil {
				a.fail(stop, err)
				done <- err
				return
			}
		}
	}
}

// drain pulls every buffer that is ready.
func (a *App) drain(eng *audio.Engine) error {
	format := eng.Format()
	for {
		buf, err := eng.Pull()
		if err != nil {
			return err
		}
		if buf == nil {
			return nil
		}

		lvl, err := audio.Levels(buf, format)
		if err != nil {
			a.log.Debug().Err(err).Msg("Level metering skipped")
		}

		a.mu.Lock()
		a.stats.Buffers++
		a.stats.Frames += buf.Frames
		a.stats.Position = buf.Timestamp
		a.stats.Level = lvl
		if buf.Silent() {
			a.stats.SilentBuffers++
		}
		if buf.Flags&audio.FlagDiscontinuity != 0 {
			a.stats.Discontinuities++
			a.log.Warn().Dur("timestamp", buf.Timestamp).Msg("Capture discontinuity")
		}
		a.mu.Unlock()
	}
}

// fail records a capture fault, unless the session was already being stopped.
func (a *App) fail(stop <-chan struct{}, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stop != stop {
		return
	}
	a.log.Error().Err(err).Msg("Capture stopped")
	a.capturing = false
	a.stop = nil
	a.done = nil
	a.stats.Capturing = false
	a.stats.LastError = err.Error()
	if a.status != nil {
		a.status.SetError()
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.stopCapture(ctx)
}

// Tray actions

func (a *App) SetAutoStart(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.AutoStart = enabled
	return a.saveLocked()
}

func (a *App) AutoStart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.AutoStart
}

// Reload swaps in a config read from disk. Capture settings take effect
// on the next session.
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	*a.cfg = *cfg
	if a.capturing {
		a.log.Info().Msg("Capture settings will apply to the next session")
	}
}

func (a *App) saveLocked() error {
	if a.configPath != "" {
		return a.cfg.SaveTo(a.configPath)
	}
	return a.cfg.Save()
}

func (a *App) IsCapturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturing
}

func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *App) ListDevices() ([]audio.AudioDevice, error) {
	if a.devices == nil {
		return nil, fmt.Errorf("device listing unavailable")
	}
	return a.devices()
}
