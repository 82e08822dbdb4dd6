package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDevice replays a 16-bit PCM WAV file as if it were a live input,
// pacing buffers at the file's sample rate.
type WAVDevice struct {
	*tap
	path   string
	loop   bool
	log    *slog.Logger
	mu     sync.Mutex
	format Format
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewWAVDevice(path string, loop bool, queueDepth int, log *slog.Logger) *WAVDevice {
	return &WAVDevice{
		tap:  newTap(queueDepth),
		path: path,
		loop: loop,
		log:  log.With(slog.String("component", "capture-wav"), slog.String("path", path)),
	}
}

// Configure validates the file and reads its format.
func (d *WAVDevice) Configure() error {
	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", d.path)
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("wav bit depth %d unsupported, need 16", dec.BitDepth)
	}
	d.mu.Lock()
	d.format = Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: 16}
	d.mu.Unlock()
	return nil
}

func (d *WAVDevice) Input() (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.format.SampleRate == 0 {
		return Format{}, ErrHardwareUnavailable
	}
	return d.format, nil
}

func (d *WAVDevice) Arm(bufferFrames int, format Format) (<-chan Buffer, error) {
	if in, err := d.Input(); err != nil || in != format {
		return nil, ErrHardwareUnavailable
	}
	return d.open(bufferFrames, format)
}

func (d *WAVDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed() {
		return ErrNotArmed
	}
	if d.stop != nil {
		return nil
	}
	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	}
	dec := wav.NewDecoder(file)
	if err := dec.FwdToPCM(); err != nil {
		file.Close()
		return fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	}

	d.stop = make(chan struct{})
	d.setRunning(true)
	d.wg.Add(1)
	go d.replay(d.stop, file, dec, d.armedFrames(), d.format)
	return nil
}

func (d *WAVDevice) Disarm() {
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

func (d *WAVDevice) IsArmed() bool {
	return d.isRunning()
}

func (d *WAVDevice) replay(stop <-chan struct{}, file *os.File, dec *wav.Decoder, frames int, format Format) {
	defer d.wg.Done()
	defer file.Close()

	ticker := time.NewTicker(format.BufferDuration(frames))
	defer ticker.Stop()

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           make([]int, frames*format.Channels),
		SourceBitDepth: 16,
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			d.log.Warn("wav read failed", slogError(err))
			return
		}
		if n == 0 {
			if !d.loop {
				// The input stays armed but silent, like a muted microphone.
				continue
			}
			if err := dec.Rewind(); err != nil {
				d.log.Warn("wav rewind failed", slogError(err))
				return
			}
			continue
		}
		if !d.deliver(intsToPCM16(buf.Data[:n])) {
			return
		}
	}
}

func intsToPCM16(samples []int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
