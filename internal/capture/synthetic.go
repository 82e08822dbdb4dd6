package capture

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"
)

// SyntheticDevice produces a 16-bit sine tone at real-time pace. It stands in
// for a microphone on hosts without audio hardware.
type SyntheticDevice struct {
	*tap
	format Format
	toneHz int
	log    *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSyntheticDevice(sampleRate, channels, toneHz, queueDepth int, log *slog.Logger) *SyntheticDevice {
	return &SyntheticDevice{
		tap:    newTap(queueDepth),
		format: Format{SampleRate: sampleRate, Channels: channels, BitDepth: 16},
		toneHz: toneHz,
		log:    log.With(slog.String("component", "capture-synthetic")),
	}
}

func (d *SyntheticDevice) Configure() error {
	if d.format.SampleRate <= 0 || d.format.Channels <= 0 {
		return ErrHardwareUnavailable
	}
	return nil
}

func (d *SyntheticDevice) Input() (Format, error) {
	return d.format, nil
}

func (d *SyntheticDevice) Arm(bufferFrames int, format Format) (<-chan Buffer, error) {
	if format != d.format {
		return nil, ErrHardwareUnavailable
	}
	return d.open(bufferFrames, format)
}

func (d *SyntheticDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed() {
		return ErrNotArmed
	}
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.setRunning(true)
	d.wg.Add(1)
	go d.generate(d.stop, d.armedFrames())
	d.log.Debug("synthetic capture started", slog.Int("tone_hz", d.toneHz))
	return nil
}

func (d *SyntheticDevice) Disarm() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	d.close()
	d.wg.Wait()
}

func (d *SyntheticDevice) IsArmed() bool {
	return d.isRunning()
}

func (d *SyntheticDevice) generate(stop <-chan struct{}, frames int) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.format.BufferDuration(frames))
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * float64(d.toneHz) / float64(d.format.SampleRate)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pcm := make([]byte, frames*d.format.BytesPerFrame())
			for i := 0; i < frames; i++ {
				sample := int16(0)
				if d.toneHz > 0 {
					sample = int16(math.Sin(phase) * 0.2 * math.MaxInt16)
					phase += step
				}
				for c := 0; c < d.format.Channels; c++ {
					off := (i*d.format.Channels + c) * 2
					binary.LittleEndian.PutUint16(pcm[off:], uint16(sample))
				}
			}
			if !d.deliver(pcm) {
				return
			}
		}
	}
}
