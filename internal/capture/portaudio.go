//go:build portaudio

package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from the default system microphone.
type PortAudioDevice struct {
	*tap
	format Format
	log    *slog.Logger
	mu     sync.Mutex
	stream *portaudio.Stream
}

func NewPortAudioDevice(sampleRate, channels, queueDepth int, log *slog.Logger) (Device, error) {
	return &PortAudioDevice{
		tap:    newTap(queueDepth),
		format: Format{SampleRate: sampleRate, Channels: channels, BitDepth: 16},
		log:    log.With(slog.String("component", "capture-portaudio")),
	}, nil
}

func (d *PortAudioDevice) Configure() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return fmt.Errorf("default input device: %w", err)
	}
	return nil
}

func (d *PortAudioDevice) Input() (Format, error) {
	return d.format, nil
}

func (d *PortAudioDevice) Arm(bufferFrames int, format Format) (<-chan Buffer, error) {
	if format != d.format {
		return nil, ErrHardwareUnavailable
	}
	return d.open(bufferFrames, format)
}

func (d *PortAudioDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed() {
		return ErrNotArmed
	}
	if d.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	}
	stream, err := portaudio.OpenDefaultStream(d.format.Channels, 0, float64(d.format.SampleRate), d.armedFrames(), d.process)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open stream: %w", ErrHardwareUnavailable, err)
	}
	d.setRunning(true)
	if err := stream.Start(); err != nil {
		d.setRunning(false)
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start stream: %w", ErrHardwareUnavailable, err)
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Disarm() {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	d.close()
	if stream != nil {
		if err := stream.Stop(); err != nil {
			d.log.Warn("portaudio stop failed", slogError(err))
		}
		stream.Close()
		portaudio.Terminate()
	}
}

func (d *PortAudioDevice) IsArmed() bool {
	return d.isRunning()
}

// process runs on the PortAudio callback thread.
func (d *PortAudioDevice) process(in []int16) {
	pcm := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	d.deliver(pcm)
}
