package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
)

var (
	// ErrUnavailable is returned while the recognition backend is offline.
	ErrUnavailable = errors.New("recognition engine unavailable")
	// ErrRequestEnded is returned when submitting a request that already ended.
	ErrRequestEnded = errors.New("recognition request already ended")
)

// Result is one transcription delivered to a ResultHandler.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// ResultHandler receives results for a task. A nil result with a nil error
// means the engine heard nothing it could transcribe; a non-nil error means
// the task failed and will deliver nothing further.
type ResultHandler func(task *Task, result *Result, err error)

// Engine is a streaming speech recognition service.
type Engine interface {
	NewRequest(partials bool) (*Request, error)
	Recognize(req *Request, handler ResultHandler) (*Task, error)
	Available() bool
	OnAvailabilityChange(func(available bool))
}

// StreamingEngine turns a batch Recognizer into a streaming Engine by
// re-transcribing the accumulated audio on a fixed cadence and once more
// after EndAudio.
type StreamingEngine struct {
	recognizer   Recognizer
	partialEvery time.Duration
	log          *slog.Logger

	mu        sync.Mutex
	available bool
	listeners []func(bool)
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewStreamingEngine(parent context.Context, recognizer Recognizer, partialEvery time.Duration, log *slog.Logger) *StreamingEngine {
	ctx, cancel := context.WithCancel(parent)
	e := &StreamingEngine{
		recognizer:   recognizer,
		partialEvery: partialEvery,
		log:          log.With(slog.String("component", "stt-engine")),
		available:    true,
		ctx:          ctx,
		cancel:       cancel,
	}
	if prober, ok := recognizer.(Prober); ok {
		if err := prober.Probe(); err != nil {
			e.log.Warn("recognizer probe failed", slogError(err))
			e.available = false
		}
	}
	return e
}

func (e *StreamingEngine) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

func (e *StreamingEngine) OnAvailabilityChange(fn func(bool)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// SetAvailable records backend reachability and notifies listeners on change.
func (e *StreamingEngine) SetAvailable(available bool) {
	e.mu.Lock()
	if e.available == available {
		e.mu.Unlock()
		return
	}
	e.available = available
	listeners := append([]func(bool){}, e.listeners...)
	e.mu.Unlock()

	e.log.Info("availability changed", slog.Bool("available", available))
	for _, fn := range listeners {
		fn(available)
	}
}

func (e *StreamingEngine) NewRequest(partials bool) (*Request, error) {
	if !e.Available() {
		return nil, ErrUnavailable
	}
	return NewRequest(partials), nil
}

func (e *StreamingEngine) Recognize(req *Request, handler ResultHandler) (*Task, error) {
	if req == nil || handler == nil {
		return nil, errors.New("recognize requires a request and a handler")
	}
	if req.Ended() {
		return nil, ErrRequestEnded
	}
	if !e.Available() {
		return nil, ErrUnavailable
	}
	ctx, cancel := context.WithCancel(WithSessionID(e.ctx, req.ID()))
	task := newTask(req.ID(), cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer task.Finish()
		defer cancel()
		e.run(ctx, task, req, handler)
	}()
	return task, nil
}

// Close cancels every running task and waits for them to exit.
func (e *StreamingEngine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *StreamingEngine) run(ctx context.Context, task *Task, req *Request, handler ResultHandler) {
	var tick <-chan time.Time
	if req.Partials() && e.partialEvery > 0 {
		ticker := time.NewTicker(e.partialEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	var transcribed uint64
	for {
		partialDue := false
		select {
		case <-ctx.Done():
			return
		case <-req.signal:
		case <-tick:
			partialDue = true
		}

		pcm, format, ended, version := req.snapshot()
		if ended {
			e.finalize(ctx, task, req, pcm, format, handler)
			return
		}
		if !partialDue || version == transcribed {
			continue
		}
		transcribed = version
		if !supported(format) {
			handler(task, nil, fmt.Errorf("unsupported audio format %+v", format))
			return
		}
		result, err := e.recognizer.Transcribe(ctx, pcm, format.SampleRate, format.Channels, false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.log.Warn("partial transcription failed", slogError(err), slog.String("request_id", req.ID()))
			handler(task, nil, err)
			return
		}
		if result.Text == "" {
			continue
		}
		handler(task, &Result{Text: result.Text, Confidence: result.Confidence}, nil)
	}
}

func (e *StreamingEngine) finalize(ctx context.Context, task *Task, req *Request, pcm []byte, format capture.Format, handler ResultHandler) {
	if len(pcm) == 0 {
		handler(task, nil, nil)
		return
	}
	if !supported(format) {
		handler(task, nil, fmt.Errorf("unsupported audio format %+v", format))
		return
	}
	result, err := e.recognizer.Transcribe(ctx, pcm, format.SampleRate, format.Channels, true)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.log.Warn("final transcription failed", slogError(err), slog.String("request_id", req.ID()))
		handler(task, nil, err)
		return
	}
	if result.Text == "" {
		handler(task, nil, nil)
		return
	}
	handler(task, &Result{Text: result.Text, Final: true, Confidence: result.Confidence}, nil)
}

// supported reports whether the recognizers can take the format as is; the
// engine never converts audio.
func supported(format capture.Format) bool {
	return format.SampleRate > 0 && format.Channels > 0 && format.BitDepth == 16
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
