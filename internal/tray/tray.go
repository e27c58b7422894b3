package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/loopback-tray/internal/app"
	"github.com/petems/loopback-tray/internal/logging"
	"github.com/rs/zerolog"
)

const statsRefresh = time.Second

type UI struct {
	app     *app.App
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mStartStop *systray.MenuItem
	mStats     *systray.MenuItem
	mDevices   *systray.MenuItem
	mAutoStart *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetCapturing() {
	u.updateStatus("capturing")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(application *app.App, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		app:     application,
		version: version,
		commit:  commit,
		log:     log,
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the tray event loop until Quit. It must be called from the
// main goroutine.
func (u *UI) Run(ctx context.Context) error {
	systray.Run(func() { u.onReady(ctx) }, u.onExit)
	return nil
}

func (u *UI) onReady(ctx context.Context) {
	u.updateStatus("idle")
	systray.SetTooltip("System audio loopback capture")

	// Build menu
	u.mStartStop = systray.AddMenuItem(startStopTitle(false), "Capture what the default output device plays")
	u.mStats = systray.AddMenuItem(formatStats(app.Stats{}), "")
	u.mStats.Disable()
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Output Devices", "Capture follows the default output device")
	u.buildDeviceMenu()

	systray.AddSeparator()
	u.mAutoStart = systray.AddMenuItemCheckbox("Capture at Launch", "Start capturing when the app starts", u.app.AutoStart())
	mCopy := systray.AddMenuItem("Copy Stats", "Copy capture statistics to the clipboard")

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About LoopbackTray")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	if u.app.AutoStart() {
		if err := u.app.StartCapture(); err != nil {
			u.log.Error().Err(err).Msg("Auto-start capture failed")
		}
		u.refresh()
	}

	// Event loop
	go u.handleEvents(ctx, mCopy, mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(ctx context.Context, mCopy, mLogs, mAbout, mQuit *systray.MenuItem) {
	ticker := time.NewTicker(statsRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			systray.Quit()
			return
		case <-ticker.C:
			u.refresh()
		case <-u.mStartStop.ClickedCh:
			if err := u.app.Toggle(); err != nil {
				u.log.Error().Err(err).Msg("Capture toggle failed")
			}
			u.refresh()
		case <-u.mAutoStart.ClickedCh:
			u.toggleAutoStart()
		case <-mCopy.ClickedCh:
			u.copyStats()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) refresh() {
	stats := u.app.Stats()
	u.mStartStop.SetTitle(startStopTitle(stats.Capturing))
	u.mStats.SetTitle(formatStats(stats))
}

// buildDeviceMenu lists output devices for reference. Loopback always reads
// the default endpoint, so the entries are not selectable.
func (u *UI) buildDeviceMenu() {
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		u.mDevices.Disable()
		return
	}

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(deviceLabel(dev.Name, dev.HostAPI, dev.Channels, dev.SampleRate), "")
		if dev.Default {
			item.Check()
		}
		item.Disable()
	}
}

func (u *UI) toggleAutoStart() {
	enabled := !u.app.AutoStart()
	if err := u.app.SetAutoStart(enabled); err != nil {
		u.log.Error().Err(err).Msg("Failed to save config")
		return
	}
	if enabled {
		u.mAutoStart.Check()
		u.log.Info().Msg("Enabled capture at launch")
	} else {
		u.mAutoStart.Uncheck()
		u.log.Info().Msg("Disabled capture at launch")
	}
}

func (u *UI) copyStats() {
	if err := clipboard.WriteAll(statsReport(u.app.Stats())); err != nil {
		u.log.Error().Err(err).Msg("Failed to write clipboard")
		return
	}
	u.log.Info().Msg("Copied stats to clipboard")
}

func (u *UI) openLogs() {
	path := logging.Path()
	if err := openCommand(path).Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open logs")
	}
}

func (u *UI) showAbout() {
	u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("LoopbackTray: system audio loopback capture")
}

func (u *UI) onExit() {
	if err := u.app.Shutdown(context.Background()); err != nil {
		u.log.Error().Err(err).Msg("Shutdown error")
	}
}

// updateStatus sets the tray title with speaker emoji and status indicator
func (u *UI) updateStatus(status string) {
	emoji := emojiForStatus(status)
	systray.SetTitle(fmt.Sprintf("🔊 %s", emoji))
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - capturing
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopTitle(capturing bool) string {
	if capturing {
		return "Stop Capture"
	}
	return "Start Capture"
}

// formatStats is the one-line summary shown in the menu.
func formatStats(s app.Stats) string {
	if !s.Capturing && s.Buffers == 0 {
		if s.LastError != "" {
			return "Error: " + truncate(s.LastError, 48)
		}
		return "Not capturing"
	}
	return fmt.Sprintf("%s captured · %d Hz · peak %.1f dBFS",
		s.Captured().Truncate(time.Second), s.SampleRate, s.Level.PeakDB)
}

// statsReport is the multi-line report copied to the clipboard.
func statsReport(s app.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capturing: %t\n", s.Capturing)
	if !s.Started.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", s.Started.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Format: %d Hz, %d ch, %d bit\n", s.SampleRate, s.Channels, s.BitsPerSample)
	fmt.Fprintf(&b, "Buffers: %d (%d silent, %d discontinuities)\n", s.Buffers, s.SilentBuffers, s.Discontinuities)
	fmt.Fprintf(&b, "Frames: %d (%s)\n", s.Frames, s.Captured())
	fmt.Fprintf(&b, "Level: peak %.1f dBFS, rms %.1f dBFS\n", s.Level.PeakDB, s.Level.RMSDB)
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", s.LastError)
	}
	return b.String()
}

func deviceLabel(name, hostAPI string, channels int, sampleRate float64) string {
	label := fmt.Sprintf("%s (%dch, %.0f Hz)", name, channels, sampleRate)
	if hostAPI != "" {
		label += " · " + hostAPI
	}
	return label
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func openCommand(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path)
	case "windows":
		return exec.Command("rundll32.exe", "url.dll,FileProtocolHandler", path)
	default:
		return exec.Command("xdg-open", path)
	}
}
