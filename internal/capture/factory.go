package capture

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// FromConfig builds the configured capture device. busClient may be nil
// unless device=bus.
func FromConfig(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (Device, error) {
	switch cfg.Device {
	case "synthetic":
		return NewSyntheticDevice(cfg.SampleRate, cfg.Channels, cfg.ToneHz, cfg.QueueDepth, log), nil
	case "wav":
		return NewWAVDevice(cfg.WAVPath, cfg.Loop, cfg.QueueDepth, log), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("capture device bus requires a bus connection")
		}
		return NewBusDevice(busClient, cfg.BusDeviceID, cfg.SampleRate, cfg.Channels, cfg.QueueDepth, log), nil
	case "portaudio":
		return NewPortAudioDevice(cfg.SampleRate, cfg.Channels, cfg.QueueDepth, log)
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}
