// Package audio captures the mix rendered to the default output device
// through a loopback stream and hands it out as timestamped PCM blocks.
package audio

import (
	"fmt"
	"time"
)

// AudioDevice represents an audio output device
type AudioDevice struct {
	ID         string
	Name       string
	HostAPI    string
	Channels   int
	SampleRate float64
	Default    bool
}

// Flags annotate a captured Buffer.
type Flags uint8

const (
	// FlagSilent marks a buffer the device reported as silence. Its frames
	// still count; Pull returns zero-filled data for it.
	FlagSilent Flags = 1 << iota
	// FlagDiscontinuity marks the first buffer after a glitch.
	FlagDiscontinuity
	// FlagTimestampError marks a buffer whose device timestamp is unreliable.
	FlagTimestampError
)

// Buffer is a block of captured frames.
type Buffer struct {
	Frames    uint64
	Flags     Flags
	Timestamp time.Duration // since the session's timebase snapshot
	Position  uint64        // device frame position of the first frame
	Data      []byte        // interleaved samples in the engine's Format
}

// Silent reports whether the device flagged the buffer as silence.
func (b *Buffer) Silent() bool {
	return b.Flags&FlagSilent != 0
}

// TimestampSource selects how buffer timestamps are derived.
type TimestampSource int

const (
	// TimestampFromPosition divides the device frame position by the sample rate.
	TimestampFromPosition TimestampSource = iota
	// TimestampFromDeviceClock uses the performance counter value the device
	// attached to each packet, measured from the first packet's value.
	// Packets without a usable counter value fall back to their position.
	TimestampFromDeviceClock
)

func (s TimestampSource) String() string {
	switch s {
	case TimestampFromPosition:
		return "position"
	case TimestampFromDeviceClock:
		return "device_clock"
	default:
		return fmt.Sprintf("TimestampSource(%d)", int(s))
	}
}

// ParseTimestampSource parses the config spelling of a TimestampSource.
func ParseTimestampSource(s string) (TimestampSource, error) {
	switch s {
	case "", "position":
		return TimestampFromPosition, nil
	case "device_clock":
		return TimestampFromDeviceClock, nil
	}
	return 0, fmt.Errorf("unknown timestamp source %q", s)
}
