package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice captures audio frames published by a remote edge device on
// audio.frame.<device>. The NATS delivery goroutine acts as the capture thread.
type BusDevice struct {
	*tap
	bus      *bus.Client
	deviceID string
	format   Format
	log      *slog.Logger
	mu       sync.Mutex
	sub      *nats.Subscription
}

func NewBusDevice(client *bus.Client, deviceID string, sampleRate, channels, queueDepth int, log *slog.Logger) *BusDevice {
	return &BusDevice{
		tap:      newTap(queueDepth),
		bus:      client,
		deviceID: deviceID,
		format:   Format{SampleRate: sampleRate, Channels: channels, BitDepth: 16},
		log:      log.With(slog.String("component", "capture-bus"), slog.String("device_id", deviceID)),
	}
}

func (d *BusDevice) Subject() string {
	return protocol.SubjectAudioFramePrefix + "." + d.deviceID
}

func (d *BusDevice) Configure() error {
	if !d.bus.Healthy() {
		return fmt.Errorf("%w: bus not connected", ErrHardwareUnavailable)
	}
	return nil
}

func (d *BusDevice) Input() (Format, error) {
	return d.format, nil
}

func (d *BusDevice) Arm(bufferFrames int, format Format) (<-chan Buffer, error) {
	if format != d.format {
		return nil, ErrHardwareUnavailable
	}
	return d.open(bufferFrames, format)
}

func (d *BusDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed() {
		return ErrNotArmed
	}
	if d.sub != nil {
		return nil
	}
	sub, err := d.bus.Conn().Subscribe(d.Subject(), d.handleFrame)
	if err != nil {
		return fmt.Errorf("%w: subscribe audio frames: %w", ErrHardwareUnavailable, err)
	}
	d.sub = sub
	d.setRunning(true)
	return nil
}

func (d *BusDevice) Disarm() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	d.close()
}

func (d *BusDevice) IsArmed() bool {
	return d.isRunning()
}

func (d *BusDevice) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SampleRate != d.format.SampleRate || frame.Channels != d.format.Channels {
		d.log.Warn("dropping audio frame with mismatched format",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}
	d.deliver(frame.PCM)
}
