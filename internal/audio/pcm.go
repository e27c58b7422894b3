package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/petems/loopback-tray/internal/platform"
)

// SilenceFloorDB is reported for buffers with no signal.
const SilenceFloorDB = -96.0

// Level is a peak and RMS reading in dBFS.
type Level struct {
	PeakDB float64
	RMSDB  float64
}

// Samples decodes interleaved little-endian PCM into float32 samples in
// [-1, 1]. 16, 24 and 32-bit integer and 32-bit float samples are supported.
func Samples(data []byte, w platform.WaveFormat) ([]float32, error) {
	bytesPerSample := int(w.BitsPerSample) / 8
	if bytesPerSample == 0 || w.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid format: %d bits, block align %d", w.BitsPerSample, w.BlockAlign)
	}
	n := len(data) / bytesPerSample
	out := make([]float32, n)

	switch {
	case w.IsFloat() && bytesPerSample == 4:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case bytesPerSample == 2:
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
		}
	case bytesPerSample == 3:
		for i := range out {
			b := data[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float32(v) / 8388608
		}
	case bytesPerSample == 4:
		for i := range out {
			out[i] = float32(float64(int32(binary.LittleEndian.Uint32(data[i*4:]))) / 2147483648)
		}
	default:
		return nil, fmt.Errorf("unsupported sample size: %d bits", w.BitsPerSample)
	}
	return out, nil
}

// downmixInterleaved averages each frame's channels into one sample. Mono
// input is copied.
func downmixInterleaved(samples []float32, channels, frames int) []float32 {
	if channels <= 1 {
		out := make([]float32, frames)
		copy(out, samples)
		return out
	}
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for ch := 0; ch < channels; ch++ {
			sum += samples[base+ch]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// Levels measures b's mono downmix. Silent buffers read as SilenceFloorDB.
func Levels(b *Buffer, w platform.WaveFormat) (Level, error) {
	floor := Level{PeakDB: SilenceFloorDB, RMSDB: SilenceFloorDB}
	if b.Silent() || len(b.Data) == 0 {
		return floor, nil
	}
	samples, err := Samples(b.Data, w)
	if err != nil {
		return floor, err
	}
	channels := int(w.Channels)
	if channels == 0 {
		channels = 1
	}
	frames := len(samples) / channels
	if frames == 0 {
		return floor, nil
	}
	mono := downmixInterleaved(samples, channels, frames)

	var peak, sumSq float64
	for _, s := range mono {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
		sumSq += v * v
	}
	return Level{
		PeakDB: toDB(peak),
		RMSDB:  toDB(math.Sqrt(sumSq / float64(len(mono)))),
	}, nil
}

func toDB(v float64) float64 {
	if v <= 0 {
		return SilenceFloorDB
	}
	return math.Max(20*math.Log10(v), SilenceFloorDB)
}
