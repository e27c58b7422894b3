package audio

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petems/loopback-tray/internal/platform"
	"github.com/petems/loopback-tray/internal/platform/platformtest"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, b *platformtest.Backend) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{Backend: b, Logger: zerolog.Nop()})
}

func startEngine(t *testing.T, b *platformtest.Backend) *Engine {
	t.Helper()
	e := newTestEngine(t, b)
	if err := e.Start(100 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func countOf(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func assertClean(t *testing.T, b *platformtest.Backend) {
	t.Helper()
	if n := b.Live(); n != 0 {
		t.Errorf("expected every handle released, %d still live", n)
	}
	if v := b.Violations(); len(v) != 0 {
		t.Errorf("unexpected contract violations: %v", v)
	}
}

func TestStartPullStop(t *testing.T) {
	b := platformtest.New()
	b.QueueContiguous(5, 480, 0)
	e := startEngine(t, b)

	if e.State() != StateRunning {
		t.Fatalf("expected running, got %s", e.State())
	}
	if e.Format() != platformtest.DefaultFormat {
		t.Fatalf("unexpected format %+v", e.Format())
	}

	var last time.Duration
	for i := 0; i < 5; i++ {
		buf, err := e.Pull()
		if err != nil {
			t.Fatalf("Pull %d: %v", i, err)
		}
		if buf == nil {
			t.Fatalf("Pull %d: expected a buffer", i)
		}
		if buf.Frames != 480 {
			t.Errorf("Pull %d: expected 480 frames, got %d", i, buf.Frames)
		}
		if len(buf.Data) != 480*8 {
			t.Errorf("Pull %d: expected %d bytes, got %d", i, 480*8, len(buf.Data))
		}
		if i == 0 && buf.Timestamp != 0 {
			t.Errorf("expected first buffer at 0, got %s", buf.Timestamp)
		}
		if i > 0 && buf.Timestamp <= last {
			t.Errorf("Pull %d: timestamp %s does not follow %s", i, buf.Timestamp, last)
		}
		last = buf.Timestamp
	}
	if last != 40*time.Millisecond {
		t.Errorf("expected fifth buffer at 40ms, got %s", last)
	}
	if e.FramesCaptured() != 5*480 {
		t.Errorf("expected %d frames captured, got %d", 5*480, e.FramesCaptured())
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}

	calls := b.Calls()
	if got := countOf(calls, "capture.acquire"); got != 5 {
		t.Errorf("expected 5 acquires, got %d", got)
	}
	if got := countOf(calls, "capture.release"); got != 5 {
		t.Errorf("expected 5 releases, got %d", got)
	}
	if got := countOf(calls, "capture.stream.release"); got != 1 {
		t.Errorf("expected capture stream released once, got %d", got)
	}
	assertClean(t, b)
}

func TestStartOrdering(t *testing.T) {
	b := platformtest.New()
	e := startEngine(t, b)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	calls := b.Calls()
	order := []string{
		"device.resolve",
		"render.initialize",
		"render.getbuffer",
		"render.releasebuffer.silent",
		"render.start",
		"capture.activate",
		"capture.initialize",
		"capture.start",
		"counter",
		"capture.stop",
		"render.stop",
	}
	prev := -1
	for _, name := range order {
		i := indexOf(calls, name)
		if i < 0 {
			t.Fatalf("missing call %q in %v", name, calls)
		}
		if i < prev {
			t.Fatalf("call %q out of order in %v", name, calls)
		}
		prev = i
	}
	if i := indexOf(calls, "device.release"); i < 0 || i > indexOf(calls, "capture.stop") {
		t.Errorf("expected device released at the end of Start, calls %v", calls)
	}
	// Nothing was pulled, so no capture buffer is handed back.
	if got := countOf(calls, "capture.release"); got != 0 {
		t.Errorf("expected no buffer releases, got %d in %v", got, calls)
	}
	for _, name := range []string{"capture.stream.release", "render.stream.release"} {
		if i := indexOf(calls, name); i < indexOf(calls, "render.stop") {
			t.Errorf("expected %s after the streams stop, calls %v", name, calls)
		}
	}
	assertClean(t, b)
}

func TestPullEmpty(t *testing.T) {
	b := platformtest.New()
	e := startEngine(t, b)
	defer e.Stop()

	for i := 0; i < 3; i++ {
		buf, err := e.Pull()
		if err != nil {
			t.Fatalf("Pull %d: %v", i, err)
		}
		if buf != nil {
			t.Fatalf("Pull %d: expected no data, got %+v", i, buf)
		}
	}
	if e.State() != StateRunning {
		t.Fatalf("expected running after empty polls, got %s", e.State())
	}
}

func TestPullZeroFramePacket(t *testing.T) {
	b := platformtest.New()
	b.Queue(platformtest.Step{Frames: 0, Position: 0})
	e := startEngine(t, b)

	buf, err := e.Pull()
	if err != nil || buf != nil {
		t.Fatalf("expected no data, got %+v, %v", buf, err)
	}
	if got := countOf(b.Calls(), "capture.release"); got != 1 {
		t.Errorf("expected empty packet released, got %d releases", got)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	assertClean(t, b)
}

func TestPullSilentBuffer(t *testing.T) {
	b := platformtest.New()
	b.Queue(
		platformtest.Step{Frames: 480, Position: 0},
		platformtest.Step{Frames: 960, Position: 480, Flags: platform.BufferFlagSilent},
	)
	e := startEngine(t, b)
	defer e.Stop()

	if _, err := e.Pull(); err != nil {
		t.Fatal(err)
	}
	before := e.FramesCaptured()

	buf, err := e.Pull()
	if err != nil {
		t.Fatal(err)
	}
	if !buf.Silent() {
		t.Fatal("expected silent flag")
	}
	if e.FramesCaptured()-before != 960 {
		t.Errorf("expected silent buffer to advance 960 frames, got %d", e.FramesCaptured()-before)
	}
	if len(buf.Data) != 960*8 {
		t.Fatalf("expected %d bytes, got %d", 960*8, len(buf.Data))
	}
	for i, v := range buf.Data {
		if v != 0 {
			t.Fatalf("expected zero-filled data, byte %d is %#x", i, v)
		}
	}
	if buf.Timestamp != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", buf.Timestamp)
	}
}

func TestPullCarriesFlags(t *testing.T) {
	b := platformtest.New()
	b.Queue(
		platformtest.Step{Frames: 480, Position: 0},
		platformtest.Step{Frames: 480, Position: 960, Flags: platform.BufferFlagDataDiscontinuity},
	)
	e := startEngine(t, b)
	defer e.Stop()

	if _, err := e.Pull(); err != nil {
		t.Fatal(err)
	}
	buf, err := e.Pull()
	if err != nil {
		t.Fatal(err)
	}
	if buf.Flags&FlagDiscontinuity == 0 {
		t.Errorf("expected discontinuity flag, got %b", buf.Flags)
	}
	if buf.Position != 960 {
		t.Errorf("expected position 960, got %d", buf.Position)
	}
	if buf.Data[0] != 0x11 {
		t.Errorf("expected captured bytes copied, got %#x", buf.Data[0])
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	b := platformtest.New()
	b.Fail("device.resolve", nil)
	e := newTestEngine(t, b)

	err := e.Start(100 * time.Millisecond)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("expected platform cause kept, got %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("expected idle, got %s", e.State())
	}
	if indexOf(b.Calls(), "render.activate") >= 0 {
		t.Error("expected no stream activated")
	}
	assertClean(t, b)
}

func TestStartFailureUnwinds(t *testing.T) {
	tests := []struct {
		call    string
		want    error
		capture bool // capture stream was activated
	}{
		{"render.activate", ErrStreamInitFailed, false},
		{"render.mixformat", ErrStreamInitFailed, false},
		{"render.initialize", ErrStreamInitFailed, false},
		{"render.service", ErrStreamInitFailed, false},
		{"render.buffersize", ErrStreamStartFailed, false},
		{"render.getbuffer", ErrStreamStartFailed, false},
		{"render.releasebuffer.silent", ErrStreamStartFailed, false},
		{"render.start", ErrStreamStartFailed, false},
		{"capture.activate", ErrStreamInitFailed, true},
		{"capture.mixformat", ErrStreamInitFailed, true},
		{"capture.initialize", ErrStreamInitFailed, true},
		{"capture.service", ErrStreamInitFailed, true},
		{"capture.start", ErrStreamStartFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			b := platformtest.New()
			b.Fail(tt.call, nil)
			e := newTestEngine(t, b)

			err := e.Start(100 * time.Millisecond)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, platformtest.ErrInjected) {
				t.Errorf("expected injected cause kept, got %v", err)
			}
			if e.State() != StateIdle {
				t.Errorf("expected idle, got %s", e.State())
			}

			calls := b.Calls()
			if got := indexOf(calls, "capture.activate") >= 0; got != tt.capture {
				t.Errorf("capture activated = %v, want %v", got, tt.capture)
			}
			if indexOf(calls, "render.start") >= 0 && tt.call != "render.start" {
				if indexOf(calls, "render.stop") < 0 {
					t.Error("expected started render stream stopped")
				}
			}
			assertClean(t, b)
		})
	}
}

func TestStartRejectsTinyBuffer(t *testing.T) {
	b := platformtest.New()
	e := newTestEngine(t, b)
	if err := e.Start(50 * time.Nanosecond); !errors.Is(err, ErrStreamInitFailed) {
		t.Fatalf("expected ErrStreamInitFailed, got %v", err)
	}
	if len(b.Calls()) != 0 {
		t.Errorf("expected no platform calls, got %v", b.Calls())
	}
}

func TestStartTwice(t *testing.T) {
	b := platformtest.New()
	e := startEngine(t, b)
	if err := e.Start(100 * time.Millisecond); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(100 * time.Millisecond); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after stop, got %v", err)
	}
	assertClean(t, b)
}

func TestStateGuards(t *testing.T) {
	b := platformtest.New()
	e := newTestEngine(t, b)

	if _, err := e.Pull(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pull on idle: expected ErrInvalidState, got %v", err)
	}
	if err := e.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop on idle: expected ErrInvalidState, got %v", err)
	}
	if _, ok := e.Snapshot(); ok {
		t.Error("expected no snapshot before start")
	}
}

func TestStopTwice(t *testing.T) {
	b := platformtest.New()
	e := startEngine(t, b)
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := countOf(b.Calls(), "capture.stop"); got != 1 {
		t.Errorf("expected capture stopped once, got %d", got)
	}
	if _, err := e.Pull(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pull after stop: expected ErrInvalidState, got %v", err)
	}
	assertClean(t, b)
}

func TestStopAggregatesFailures(t *testing.T) {
	b := platformtest.New()
	e := startEngine(t, b)
	b.Fail("capture.stop", nil)

	err := e.Stop()
	if !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}
	if e.State() != StateStopped {
		t.Errorf("expected stopped, got %s", e.State())
	}
	calls := b.Calls()
	if indexOf(calls, "render.stop") < 0 {
		t.Error("expected render stopped despite capture failure")
	}
	assertClean(t, b)

	b2 := platformtest.New()
	e2 := startEngine(t, b2)
	b2.Fail("capture.stop", errors.New("capture boom"))
	b2.Fail("render.stop", errors.New("render boom"))
	err = e2.Stop()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"capture boom", "render boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
	assertClean(t, b2)
}

func TestCaptureFault(t *testing.T) {
	b := platformtest.New()
	b.Queue(
		platformtest.Step{Frames: 480, Position: 0},
		platformtest.Step{Err: platform.ErrDeviceInvalidated},
	)
	e := startEngine(t, b)

	if _, err := e.Pull(); err != nil {
		t.Fatal(err)
	}
	_, err := e.Pull()
	if !errors.Is(err, ErrCaptureFault) {
		t.Fatalf("expected ErrCaptureFault, got %v", err)
	}
	if !errors.Is(err, platform.ErrDeviceInvalidated) {
		t.Errorf("expected device cause kept, got %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped after fault, got %s", e.State())
	}
	assertClean(t, b)

	if _, err := e.Pull(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after fault, got %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("expected Stop after fault to succeed, got %v", err)
	}
}

func TestPositionRegressionFaults(t *testing.T) {
	b := platformtest.New()
	b.Queue(
		platformtest.Step{Frames: 480, Position: 960},
		platformtest.Step{Frames: 480, Position: 480},
	)
	e := startEngine(t, b)

	if _, err := e.Pull(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Pull(); !errors.Is(err, ErrCaptureFault) {
		t.Fatalf("expected ErrCaptureFault, got %v", err)
	}
	// The offending packet was held when the fault hit and must be handed back.
	if got := countOf(b.Calls(), "capture.release"); got != 2 {
		t.Errorf("expected both packets released, got %d", got)
	}
	assertClean(t, b)
}

func TestAcquireRelease(t *testing.T) {
	b := platformtest.New()
	b.QueueContiguous(2, 480, 0)
	e := startEngine(t, b)
	defer e.Stop()

	v, err := e.Acquire()
	if err != nil || v == nil {
		t.Fatalf("Acquire: %v, %v", v, err)
	}
	if len(v.Data) != 480*8 {
		t.Errorf("expected view over %d bytes, got %d", 480*8, len(v.Data))
	}
	if _, err := e.Acquire(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while view held, got %v", err)
	}
	if _, err := e.Pull(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected Pull rejected while view held, got %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("expected ordering error to leave engine running, got %s", e.State())
	}

	if err := v.Release(); err != nil {
		t.Fatal(err)
	}
	if v.Data != nil {
		t.Error("expected released view to drop its data")
	}
	if err := v.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if got := countOf(b.Calls(), "capture.release"); got != 1 {
		t.Errorf("expected one platform release, got %d", got)
	}

	v2, err := e.Acquire()
	if err != nil || v2 == nil {
		t.Fatalf("second Acquire: %v, %v", v2, err)
	}
	if err := v2.Release(); err != nil {
		t.Fatal(err)
	}
	if v := b.Violations(); len(v) != 0 {
		t.Errorf("unexpected violations: %v", v)
	}
}

func TestStopReleasesHeldView(t *testing.T) {
	b := platformtest.New()
	b.QueueContiguous(1, 480, 0)
	e := startEngine(t, b)

	v, err := e.Acquire()
	if err != nil || v == nil {
		t.Fatalf("Acquire: %v, %v", v, err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	calls := b.Calls()
	if i := indexOf(calls, "capture.release"); i < 0 || i > indexOf(calls, "capture.stop") {
		t.Errorf("expected held buffer released before stop, calls %v", calls)
	}
	if err := v.Release(); err != nil {
		t.Errorf("stale Release: %v", err)
	}
	if v.Data != nil {
		t.Error("expected stale view data cleared")
	}
	assertClean(t, b)
}

func TestSilentViewHasNoData(t *testing.T) {
	b := platformtest.New()
	b.Queue(platformtest.Step{Frames: 480, Flags: platform.BufferFlagSilent})
	e := startEngine(t, b)
	defer e.Stop()

	v, err := e.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if v.Data != nil {
		t.Errorf("expected nil data for silent view, got %d bytes", len(v.Data))
	}
	if v.Frames != 480 {
		t.Errorf("expected 480 frames, got %d", v.Frames)
	}
	_ = v.Release()
}

func TestDeviceClockTimestamps(t *testing.T) {
	b := platformtest.New()
	// The first packet predates the snapshot counter of 1_000_000; later
	// packets are measured from the first packet's counter value.
	b.Queue(
		platformtest.Step{Frames: 480, Position: 0, QPC: 900_000},
		platformtest.Step{Frames: 480, Position: 480, QPC: 1_250_000},
	)
	e := NewEngine(EngineConfig{Backend: b, Logger: zerolog.Nop(), TimestampSource: TimestampFromDeviceClock})
	if err := e.Start(100 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	first, err := e.Pull()
	if err != nil {
		t.Fatal(err)
	}
	if first.Timestamp != 0 {
		t.Errorf("expected first buffer at 0, got %s", first.Timestamp)
	}
	second, err := e.Pull()
	if err != nil {
		t.Fatal(err)
	}
	if second.Timestamp != 35*time.Millisecond {
		t.Errorf("expected 35ms from device clock, got %s", second.Timestamp)
	}

	snap, ok := e.Snapshot()
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.Counter != 1_000_000 || snap.Frequency != 10_000_000 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestFirstBufferEpochIgnoresStartPosition(t *testing.T) {
	b := platformtest.New()
	b.QueueContiguous(2, 441, 88200)
	b.Format.SamplesPerSec = 44100
	e := startEngine(t, b)
	defer e.Stop()

	first, _ := e.Pull()
	second, _ := e.Pull()
	if first.Timestamp != 0 {
		t.Errorf("expected epoch, got %s", first.Timestamp)
	}
	if second.Timestamp != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", second.Timestamp)
	}
	snap, _ := e.Snapshot()
	if snap.StartPosition != 88200 {
		t.Errorf("expected start position 88200, got %d", snap.StartPosition)
	}
}
