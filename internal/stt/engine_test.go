package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = capture.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

type scriptedRecognizer struct {
	mu      sync.Mutex
	partial TranscriptResult
	final   TranscriptResult
	err     error
	calls   []bool
	block   chan struct{}
	probe   error
}

func (r *scriptedRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, final)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		}
	}
	if r.err != nil {
		return TranscriptResult{}, r.err
	}
	if final {
		return r.final, nil
	}
	return r.partial, nil
}

func (r *scriptedRecognizer) Probe() error { return r.probe }

type delivery struct {
	task   *Task
	result *Result
	err    error
}

func collect() (ResultHandler, <-chan delivery) {
	ch := make(chan delivery, 16)
	return func(task *Task, result *Result, err error) {
		ch <- delivery{task: task, result: result, err: err}
	}, ch
}

func next(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return delivery{}
	}
}

func chunk(n int) capture.Buffer {
	return capture.Buffer{Format: testFormat, Frames: n, PCM: make([]byte, n*2)}
}

func TestEngineFinalAfterEndAudio(t *testing.T) {
	rec := &scriptedRecognizer{final: TranscriptResult{Text: "hello world", Confidence: 0.9}}
	engine := NewStreamingEngine(context.Background(), rec, 0, newLogger())
	t.Cleanup(engine.Close)

	req, err := engine.NewRequest(true)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	handler, results := collect()
	task, err := engine.Recognize(req, handler)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}

	req.Append(chunk(160))
	req.Append(chunk(160))
	req.EndAudio()
	if req.Append(chunk(160)) {
		t.Fatal("append after EndAudio should be rejected")
	}

	d := next(t, results)
	if d.task != task {
		t.Fatal("result delivered for unexpected task")
	}
	if d.err != nil || d.result == nil || d.result.Text != "hello world" || !d.result.Final {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish after final result")
	}
	if req.Len() != 640 {
		t.Fatalf("expected 640 bytes accumulated, got %d", req.Len())
	}
}

func TestEngineEmptyFinalMeansNoSpeech(t *testing.T) {
	engine := NewStreamingEngine(context.Background(), NewMockRecognizer(), 0, newLogger())
	t.Cleanup(engine.Close)

	req, _ := engine.NewRequest(false)
	handler, results := collect()
	if _, err := engine.Recognize(req, handler); err != nil {
		t.Fatalf("recognize: %v", err)
	}
	req.EndAudio()

	d := next(t, results)
	if d.result != nil || d.err != nil {
		t.Fatalf("expected no-speech delivery, got %+v", d)
	}
}

func TestEnginePartials(t *testing.T) {
	rec := &scriptedRecognizer{partial: TranscriptResult{Text: "hel"}}
	engine := NewStreamingEngine(context.Background(), rec, 10*time.Millisecond, newLogger())
	t.Cleanup(engine.Close)

	req, _ := engine.NewRequest(true)
	handler, results := collect()
	if _, err := engine.Recognize(req, handler); err != nil {
		t.Fatalf("recognize: %v", err)
	}
	req.Append(chunk(160))

	d := next(t, results)
	if d.result == nil || d.result.Text != "hel" || d.result.Final {
		t.Fatalf("expected partial result, got %+v", d)
	}
}

func TestEngineCancelSuppressesResults(t *testing.T) {
	rec := &scriptedRecognizer{final: TranscriptResult{Text: "late"}, block: make(chan struct{})}
	engine := NewStreamingEngine(context.Background(), rec, 0, newLogger())
	t.Cleanup(engine.Close)

	req, _ := engine.NewRequest(false)
	handler, results := collect()
	task, err := engine.Recognize(req, handler)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	req.Append(chunk(160))
	req.EndAudio()
	task.Cancel()
	task.Cancel()
	if !task.Cancelled() {
		t.Fatal("expected task to report cancelled")
	}
	close(rec.block)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task did not finish")
	}
	select {
	case d := <-results:
		t.Fatalf("unexpected delivery after cancel: %+v", d)
	default:
	}
}

func TestEngineErrorEndsTask(t *testing.T) {
	boom := errors.New("model crashed")
	rec := &scriptedRecognizer{err: boom}
	engine := NewStreamingEngine(context.Background(), rec, 0, newLogger())
	t.Cleanup(engine.Close)

	req, _ := engine.NewRequest(false)
	handler, results := collect()
	task, _ := engine.Recognize(req, handler)
	req.Append(chunk(160))
	req.EndAudio()

	d := next(t, results)
	if !errors.Is(d.err, boom) || d.result != nil {
		t.Fatalf("expected engine error, got %+v", d)
	}
	<-task.Done()
}

func TestEngineAvailability(t *testing.T) {
	rec := &scriptedRecognizer{probe: errors.New("offline")}
	engine := NewStreamingEngine(context.Background(), rec, 0, newLogger())
	t.Cleanup(engine.Close)

	if engine.Available() {
		t.Fatal("expected engine unavailable after failed probe")
	}
	if _, err := engine.NewRequest(true); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	var changes []bool
	engine.OnAvailabilityChange(func(v bool) { changes = append(changes, v) })
	engine.SetAvailable(true)
	engine.SetAvailable(true)
	engine.SetAvailable(false)
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("expected [true false], got %v", changes)
	}
}

func TestRequestRejectsFormatChange(t *testing.T) {
	req := NewRequest(false)
	if !req.Append(chunk(160)) {
		t.Fatal("first append should succeed")
	}
	stereo := capture.Buffer{Format: capture.Format{SampleRate: 16000, Channels: 2, BitDepth: 16}, PCM: make([]byte, 640)}
	if req.Append(stereo) {
		t.Fatal("append with a different format should be rejected")
	}
	if req.Format() != testFormat {
		t.Fatalf("request format changed to %+v", req.Format())
	}
}

func TestEngineRejectsBadInput(t *testing.T) {
	engine := NewStreamingEngine(context.Background(), NewMockRecognizer(), 0, newLogger())
	t.Cleanup(engine.Close)

	req, _ := engine.NewRequest(true)
	req.EndAudio()
	if _, err := engine.Recognize(req, func(*Task, *Result, error) {}); !errors.Is(err, ErrRequestEnded) {
		t.Fatalf("expected ErrRequestEnded, got %v", err)
	}
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script recognizer requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "fake-stt.sh")
	body := "#!/bin/sh\necho '{\"text\": \"turn on the lights\", \"confidence\": 0.75}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec, err := NewExecRecognizer(config.RecognitionConfig{Command: script + " --threads 2", Language: "en"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	if err := rec.(Prober).Probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 640), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "turn on the lights" || res.Confidence != 0.75 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := rec.Transcribe(context.Background(), make([]byte, 3), 16000, 1, true); err == nil {
		t.Fatal("expected error for unaligned pcm")
	}
}

func TestExecRecognizerArguments(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script recognizer requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "echo-args.sh")
	body := "#!/bin/sh\nprintf '{\"text\": \"%s\"}' \"$*\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec, err := NewExecRecognizer(config.RecognitionConfig{Command: script + " --threads 2", ModelPath: "base.bin", Language: "en"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}

	partial, err := rec.Transcribe(context.Background(), make([]byte, 320), 16000, 1, false)
	if err != nil {
		t.Fatalf("partial transcribe: %v", err)
	}
	if !strings.HasPrefix(partial.Text, "--threads 2 --model base.bin --language en --partial --audio ") ||
		!strings.HasSuffix(partial.Text, ".wav") {
		t.Fatalf("unexpected partial arguments %q", partial.Text)
	}

	final, err := rec.Transcribe(context.Background(), make([]byte, 320), 16000, 1, true)
	if err != nil {
		t.Fatalf("final transcribe: %v", err)
	}
	if strings.Contains(final.Text, "--partial") {
		t.Fatalf("final pass marked partial: %q", final.Text)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.RecognitionConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewRecognizerModes(t *testing.T) {
	if _, err := NewRecognizer(config.RecognitionConfig{Mode: "mock"}, nil); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewRecognizer(config.RecognitionConfig{Mode: "bus"}, nil); err == nil {
		t.Fatal("expected error for bus mode without a connection")
	}
	if _, err := NewRecognizer(config.RecognitionConfig{Mode: "cloud"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
