package audio

import (
	"fmt"
	"time"

	"github.com/petems/loopback-tray/internal/platform"
)

// Snapshot correlates the host's monotonic counter with the capture
// stream's start. It is taken once, right after the capture stream starts.
type Snapshot struct {
	Counter   int64
	Frequency int64
	// StartPosition is the device frame position treated as time zero. It is
	// set from the first buffer pulled in the session.
	StartPosition uint64
}

func takeSnapshot(b platform.Backend) Snapshot {
	return Snapshot{
		Counter:   b.Counter(),
		Frequency: b.CounterFrequency(),
	}
}

// ToTimestamp converts a device frame position into time elapsed since the
// snapshot. Positions at or before StartPosition map to zero.
func (s Snapshot) ToTimestamp(position uint64, sampleRate uint32) time.Duration {
	if sampleRate == 0 || position <= s.StartPosition {
		return 0
	}
	return FramesToDuration(position-s.StartPosition, sampleRate)
}

// FramesToDuration returns the play time of frames at sampleRate. The
// division is split so long sessions do not overflow.
func FramesToDuration(frames uint64, sampleRate uint32) time.Duration {
	if sampleRate == 0 {
		return 0
	}
	rate := uint64(sampleRate)
	whole := frames / rate
	rem := frames % rate
	return time.Duration(whole)*time.Second + time.Duration(rem*uint64(time.Second)/rate)
}

// timebase stamps the packets of one session.
type timebase struct {
	snap      Snapshot
	rate      uint32
	source    TimestampSource
	firstSeen bool
	lastPos   uint64
	last      time.Duration
	// qpcEpoch is the device counter value, in 100ns units, that maps to
	// timestamp zero.
	qpcEpoch  int64
	haveEpoch bool
}

func newTimebase(snap Snapshot, sampleRate uint32, source TimestampSource) *timebase {
	return &timebase{snap: snap, rate: sampleRate, source: source}
}

// stamp returns pkt's timestamp. The first packet of a session is pinned to
// zero because its device timestamp can predate the stream start, and both
// sources measure later packets from it. Timestamps are strictly
// increasing; a device position that does not advance is a capture fault.
func (t *timebase) stamp(pkt *platform.Packet) (time.Duration, error) {
	if !t.firstSeen {
		t.firstSeen = true
		t.snap.StartPosition = pkt.DevicePosition
		t.lastPos = pkt.DevicePosition
		t.last = 0
		if t.useDeviceClock(pkt) {
			t.qpcEpoch = int64(pkt.QPCPosition)
			t.haveEpoch = true
		}
		return 0, nil
	}
	if pkt.DevicePosition <= t.lastPos {
		return 0, fmt.Errorf("%w: device position %d does not follow %d", ErrCaptureFault, pkt.DevicePosition, t.lastPos)
	}

	ts := t.snap.ToTimestamp(pkt.DevicePosition, t.rate)
	if t.useDeviceClock(pkt) {
		if !t.haveEpoch {
			// The first packet carried no usable counter value; anchor the
			// clock so this packet lands on its position timestamp.
			t.qpcEpoch = int64(pkt.QPCPosition) - int64(ts/100)
			t.haveEpoch = true
		}
		ts = time.Duration(int64(pkt.QPCPosition)-t.qpcEpoch) * 100
	}
	if ts <= t.last {
		ts = t.last + FramesToDuration(pkt.DevicePosition-t.lastPos, t.rate)
		if ts <= t.last {
			ts = t.last + 1
		}
	}

	t.lastPos = pkt.DevicePosition
	t.last = ts
	return ts, nil
}

func (t *timebase) useDeviceClock(pkt *platform.Packet) bool {
	return t.source == TimestampFromDeviceClock && pkt.QPCPosition != 0 &&
		pkt.Flags&platform.BufferFlagTimestampError == 0
}
