// Package capture wraps audio input hardware behind a small arm/start/disarm
// contract. Devices push buffers through a non-blocking tap; a slow consumer
// loses buffers instead of stalling the capture goroutine.
package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrHardwareUnavailable reports that the input could not be opened or armed.
	ErrHardwareUnavailable = errors.New("capture hardware unavailable")
	// ErrAlreadyArmed is returned by Arm while a previous tap is still installed.
	ErrAlreadyArmed = errors.New("capture already armed")
	// ErrNotArmed is returned by Start when no tap is installed.
	ErrNotArmed = errors.New("capture not armed")
)

// Format describes interleaved signed PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// BufferDuration is the playback length of n frames.
func (f Format) BufferDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is one block of captured audio.
type Buffer struct {
	Sequence   int
	Format     Format
	Frames     int
	PCM        []byte
	CapturedAt time.Time
}

// Device is the capture hardware as the session manager sees it.
type Device interface {
	// Configure prepares the audio session for recording.
	Configure() error
	// Input returns the format of the capture input.
	Input() (Format, error)
	// Arm installs the buffer tap. The channel is closed by Disarm.
	Arm(bufferFrames int, format Format) (<-chan Buffer, error)
	// Start begins buffer delivery.
	Start() error
	// Disarm stops the hardware and removes the tap. Safe to call at any time.
	Disarm()
	// IsArmed reports whether the hardware is started and delivering buffers.
	IsArmed() bool
}

// tap is the shared buffer plumbing of every Device implementation.
type tap struct {
	mu           sync.Mutex
	ch           chan Buffer
	format       Format
	bufferFrames int
	queueDepth   int
	running      bool
	seq          int
	dropped      atomic.Uint64
}

func newTap(queueDepth int) *tap {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	return &tap{queueDepth: queueDepth}
}

func (t *tap) open(bufferFrames int, format Format) (<-chan Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return nil, ErrAlreadyArmed
	}
	if bufferFrames <= 0 || format.BytesPerFrame() <= 0 {
		return nil, ErrHardwareUnavailable
	}
	t.ch = make(chan Buffer, t.queueDepth)
	t.format = format
	t.bufferFrames = bufferFrames
	t.seq = 0
	return t.ch, nil
}

// armedFrames is the buffer size requested by the last Arm.
func (t *tap) armedFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferFrames
}

func (t *tap) installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil
}

func (t *tap) setRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
}

func (t *tap) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// deliver hands pcm to the consumer without blocking. It returns false once
// the tap is gone so producers can exit.
func (t *tap) deliver(pcm []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil || !t.running {
		return false
	}
	frames := 0
	if bpf := t.format.BytesPerFrame(); bpf > 0 {
		frames = len(pcm) / bpf
	}
	buf := Buffer{
		Sequence:   t.seq,
		Format:     t.format,
		Frames:     frames,
		PCM:        pcm,
		CapturedAt: time.Now(),
	}
	t.seq++
	select {
	case t.ch <- buf:
	default:
		t.dropped.Add(1)
	}
	return true
}

func (t *tap) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.ch != nil {
		close(t.ch)
		t.ch = nil
	}
}

// Dropped counts buffers discarded because the consumer fell behind.
func (t *tap) Dropped() uint64 {
	return t.dropped.Load()
}
