package stt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/capture"
)

// Request is a streaming recognition request: a buffer-accumulating handle
// fed incrementally with audio until EndAudio.
type Request struct {
	id       string
	partials bool

	mu      sync.Mutex
	format  capture.Format
	pcm     []byte
	ended   bool
	version uint64
	signal  chan struct{}
}

// NewRequest creates an open request. The audio format is fixed by the
// first appended buffer.
func NewRequest(partials bool) *Request {
	return &Request{
		id:       uuid.NewString(),
		partials: partials,
		signal:   make(chan struct{}, 1),
	}
}

func (r *Request) ID() string { return r.id }

func (r *Request) Format() capture.Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

// Partials reports whether the caller asked for interim results.
func (r *Request) Partials() bool { return r.partials }

// Append adds a buffer. It never blocks and reports false once the request
// has ended or when the buffer's format differs from earlier audio.
func (r *Request) Append(buf capture.Buffer) bool {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return false
	}
	if len(r.pcm) == 0 {
		r.format = buf.Format
	} else if buf.Format != r.format {
		r.mu.Unlock()
		return false
	}
	r.pcm = append(r.pcm, buf.PCM...)
	r.version++
	r.mu.Unlock()
	r.poke()
	return true
}

// EndAudio marks that no more audio will arrive so the engine can finalize.
func (r *Request) EndAudio() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()
	r.poke()
}

func (r *Request) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Len is the number of PCM bytes accumulated so far.
func (r *Request) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm)
}

func (r *Request) snapshot() (pcm []byte, format capture.Format, ended bool, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.pcm...), r.format, r.ended, r.version
}

func (r *Request) poke() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

var taskSeq atomic.Uint64

// Task is a cancellable in-flight recognition. Cancel is cooperative: a
// result already being delivered may still reach the handler.
type Task struct {
	id        uint64
	requestID string
	cancel    context.CancelFunc
	done      chan struct{}
	finish    sync.Once
	cancelled atomic.Bool
}

func newTask(requestID string, cancel context.CancelFunc) *Task {
	return &Task{
		id:        taskSeq.Add(1),
		requestID: requestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// NewTask returns a detached task handle. Engines other than StreamingEngine
// and test doubles use it to mint handles with unique IDs.
func NewTask(requestID string, cancel context.CancelFunc) *Task {
	if cancel == nil {
		cancel = func() {}
	}
	return newTask(requestID, cancel)
}

func (t *Task) ID() uint64 { return t.id }

func (t *Task) RequestID() string { return t.requestID }

func (t *Task) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Done is closed when the task stops producing results.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finish closes Done. Only the producing engine calls it.
func (t *Task) Finish() {
	t.finish.Do(func() { close(t.done) })
}
