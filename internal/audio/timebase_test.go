package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/petems/loopback-tray/internal/platform"
)

func TestSnapshotToTimestamp(t *testing.T) {
	snap := Snapshot{StartPosition: 1000}

	tests := []struct {
		name     string
		position uint64
		rate     uint32
		want     time.Duration
	}{
		{"at start", 1000, 48000, 0},
		{"before start", 10, 48000, 0},
		{"one second", 49000, 48000, time.Second},
		{"half second", 1000 + 22050, 44100, 500 * time.Millisecond},
		{"zero rate", 5000, 0, 0},
		// 1000 hours at 48kHz; would overflow a naive frames*1e9 product.
		{"long session", 1000 + 48000*3600*1000, 48000, 1000 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.ToTimestamp(tt.position, tt.rate); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFramesToDuration(t *testing.T) {
	tests := []struct {
		frames uint64
		rate   uint32
		want   time.Duration
	}{
		{0, 48000, 0},
		{480, 48000, 10 * time.Millisecond},
		{44100 + 441, 44100, 1010 * time.Millisecond},
		{480, 0, 0},
		// A week at 48kHz is past where frames*time.Second overflows.
		{48000 * 3600 * 24 * 7, 48000, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := FramesToDuration(tt.frames, tt.rate); got != tt.want {
			t.Errorf("FramesToDuration(%d, %d): expected %s, got %s", tt.frames, tt.rate, tt.want, got)
		}
	}
}

func TestTimebaseFirstBufferIsEpoch(t *testing.T) {
	tb := newTimebase(Snapshot{Counter: 50_000_000, Frequency: 10_000_000}, 48000, TimestampFromDeviceClock)

	// Device stamps the first packet a second before the snapshot.
	ts, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 96000, QPCPosition: 40_000_000})
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if ts != 0 {
		t.Fatalf("expected first buffer at epoch, got %s", ts)
	}
	if tb.snap.StartPosition != 96000 {
		t.Fatalf("expected start position rebased to 96000, got %d", tb.snap.StartPosition)
	}
}

func TestTimebaseDeviceClockNeverRegresses(t *testing.T) {
	tb := newTimebase(Snapshot{Counter: 50_000_000, Frequency: 10_000_000}, 48000, TimestampFromDeviceClock)

	if _, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 0, QPCPosition: 50_000_000}); err != nil {
		t.Fatal(err)
	}
	// Still before the epoch according to the device clock.
	ts, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 480, QPCPosition: 49_990_000})
	if err != nil {
		t.Fatal(err)
	}
	if ts != 10*time.Millisecond {
		t.Fatalf("expected position fallback of 10ms, got %s", ts)
	}

	ts, err = tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 960, QPCPosition: 50_300_000})
	if err != nil {
		t.Fatal(err)
	}
	if ts != 30*time.Millisecond {
		t.Fatalf("expected device clock 30ms, got %s", ts)
	}
}

func TestTimebaseTimestampErrorFallsBackToPosition(t *testing.T) {
	tb := newTimebase(Snapshot{Counter: 50_000_000, Frequency: 10_000_000}, 48000, TimestampFromDeviceClock)
	if _, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 0}); err != nil {
		t.Fatal(err)
	}
	ts, err := tb.stamp(&platform.Packet{
		Frames:         480,
		DevicePosition: 4800,
		QPCPosition:    99_000_000,
		Flags:          platform.BufferFlagTimestampError,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ts != 100*time.Millisecond {
		t.Fatalf("expected 100ms from position, got %s", ts)
	}
}

func TestTimebaseRejectsPositionRegression(t *testing.T) {
	tb := newTimebase(Snapshot{}, 48000, TimestampFromPosition)
	if _, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 480}); err != nil {
		t.Fatal(err)
	}
	_, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 480})
	if !errors.Is(err, ErrCaptureFault) {
		t.Fatalf("expected ErrCaptureFault for repeated position, got %v", err)
	}
}

func TestTimebaseSourcesShareEpoch(t *testing.T) {
	// The device clock agrees with the position, but both started well
	// before the snapshot was taken.
	packets := []platform.Packet{
		{Frames: 480, DevicePosition: 96000, QPCPosition: 30_000_000},
		{Frames: 480, DevicePosition: 96480, QPCPosition: 30_100_000},
		{Frames: 480, DevicePosition: 96960, QPCPosition: 30_200_000},
	}
	want := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond}

	for _, source := range []TimestampSource{TimestampFromPosition, TimestampFromDeviceClock} {
		t.Run(source.String(), func(t *testing.T) {
			tb := newTimebase(Snapshot{Counter: 50_000_000, Frequency: 10_000_000}, 48000, source)
			for i := range packets {
				ts, err := tb.stamp(&packets[i])
				if err != nil {
					t.Fatal(err)
				}
				if ts != want[i] {
					t.Errorf("packet %d: expected %s, got %s", i, want[i], ts)
				}
			}
		})
	}
}

func TestTimebaseDeviceClockAnchorsOnFirstUsableValue(t *testing.T) {
	tb := newTimebase(Snapshot{Counter: 50_000_000, Frequency: 10_000_000}, 48000, TimestampFromDeviceClock)

	if _, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 0}); err != nil {
		t.Fatal(err)
	}
	// First counter value arrives with the second packet, 10ms of frames in.
	ts, err := tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 480, QPCPosition: 70_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if ts != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %s", ts)
	}
	ts, err = tb.stamp(&platform.Packet{Frames: 480, DevicePosition: 960, QPCPosition: 70_150_000})
	if err != nil {
		t.Fatal(err)
	}
	if ts != 25*time.Millisecond {
		t.Fatalf("expected 25ms from the device clock, got %s", ts)
	}
}
