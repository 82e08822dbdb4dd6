package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// RecognizeRequest asks a remote recognizer to transcribe accumulated PCM.
type RecognizeRequest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// RecognizeReply is the remote recognizer's answer.
type RecognizeReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SessionEvent mirrors a session lifecycle notification on the bus. Text is
// only set for recognition events.
type SessionEvent struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Available *bool     `json:"available,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence is the periodic heartbeat of a listener node.
type Presence struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Capturing bool      `json:"capturing"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectRecognize        = "stt.recognize"
	SubjectPresencePrefix   = "ctrl.listen.presence"
)
