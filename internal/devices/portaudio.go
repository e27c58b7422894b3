// Package devices lists playback devices for display.
package devices

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/loopback-tray/internal/audio"
)

// ListOutputs enumerates playback devices through PortAudio. The list is
// informational; capture always follows the system default endpoint.
func ListOutputs() ([]audio.AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defaultDevice, _ := portaudio.DefaultOutputDevice()

	result := make([]audio.AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		hostAPI := ""
		if d.HostApi != nil {
			hostAPI = d.HostApi.Name
		}
		result = append(result, audio.AudioDevice{
			ID:         hostAPI + "/" + d.Name,
			Name:       d.Name,
			HostAPI:    hostAPI,
			Channels:   d.MaxOutputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    d == defaultDevice,
		})
	}

	return result, nil
}
