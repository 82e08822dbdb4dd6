package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts batch STT backends. The streaming engine calls it
// repeatedly with the audio accumulated so far.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// Prober is implemented by recognizers that can tell whether their backend
// is reachable.
type Prober interface {
	Probe() error
}
