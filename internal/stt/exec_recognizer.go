package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	name string
	// args holds everything after the executable except the per-call audio
	// path and the --partial marker.
	args []string
	mu   sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs cfg.Command, split with shell quoting rules, once per
// transcription. Each run gets the audio as a 16-bit WAV file:
//
//	<command> [--model <model_path>] [--language <language>] [--partial] --audio <file.wav>
//
// --partial marks interim passes over audio that is still growing. The
// command must exit zero and print {"text": "...", "confidence": 0.9} on
// stdout; an empty text means no speech was found. Calls are serialized.
func NewExecRecognizer(cfg config.RecognitionConfig) (Recognizer, error) {
	words, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	args := append([]string{}, words[1:]...)
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	return &execRecognizer{name: words[0], args: args}, nil
}

func (r *execRecognizer) Probe() error {
	if _, err := exec.LookPath(r.name); err != nil {
		return fmt.Errorf("recognition command unavailable: %w", err)
	}
	return nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_listen_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.args...)
	if !final {
		args = append(args, "--partial")
	}
	args = append(args, "--audio", file.Name())

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.name, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("recognition command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognition response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
