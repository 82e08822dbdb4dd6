package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// busRecognizer delegates transcription to a worker answering requests on the
// bus, such as a loqa-core STT node.
type busRecognizer struct {
	bus      *bus.Client
	subject  string
	language string
}

func NewBusRecognizer(client *bus.Client, subject, language string) Recognizer {
	if subject == "" {
		subject = protocol.SubjectRecognize
	}
	return &busRecognizer{bus: client, subject: subject, language: language}
}

func (r *busRecognizer) Probe() error {
	if !r.bus.Healthy() {
		return errors.New("bus not connected")
	}
	return nil
}

func (r *busRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	req := protocol.RecognizeRequest{
		SessionID:  SessionIDFrom(ctx),
		SampleRate: sampleRate,
		Channels:   channels,
		Language:   r.language,
		PCM:        pcm,
		Final:      final,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("marshal recognize request: %w", err)
	}
	msg, err := r.bus.Conn().RequestWithContext(ctx, r.subject, data)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("recognize request: %w", err)
	}
	var reply protocol.RecognizeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognize reply: %w", err)
	}
	if reply.Error != "" {
		return TranscriptResult{}, fmt.Errorf("remote recognizer: %s", reply.Error)
	}
	return TranscriptResult{Text: reply.Text, Confidence: reply.Confidence}, nil
}

type sessionIDKey struct{}

// WithSessionID tags ctx with the request ID so remote backends can correlate
// successive partial transcriptions.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
