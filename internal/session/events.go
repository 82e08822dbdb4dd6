package session

import (
	"errors"
	"fmt"
	"time"
)

// EventKind tags a lifecycle notification.
type EventKind int

const (
	EventAuthorized EventKind = iota + 1
	EventAudioEngineStart
	EventAudioEngineStop
	EventTaskCancelled
	EventSpeechRecognized
	EventSpeechNotRecognized
	EventAvailabilityChanged
	EventSessionStopped
)

var eventNames = map[EventKind]string{
	EventAuthorized:          "authorized",
	EventAudioEngineStart:    "audio_engine_start",
	EventAudioEngineStop:     "audio_engine_stop",
	EventTaskCancelled:       "task_cancelled",
	EventSpeechRecognized:    "speech_recognized",
	EventSpeechNotRecognized: "speech_not_recognized",
	EventAvailabilityChanged: "availability_changed",
	EventSessionStopped:      "session_stopped",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to the state-update callback. Text is set for
// SpeechRecognized and SessionStopped, Available for AvailabilityChanged.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Available bool
	At        time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventSpeechRecognized, EventSessionStopped:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
	case EventAvailabilityChanged:
		return fmt.Sprintf("%s(%t)", e.Kind, e.Available)
	default:
		return e.Kind.String()
	}
}

// State is the manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Policy decides whether a recognition result ends the session.
type Policy int

const (
	// SingleUtterance stops the session after the first result or error.
	SingleUtterance Policy = iota
	// Continuous keeps capturing until stopped explicitly or until the
	// engine reports an error.
	Continuous
)

func (p Policy) String() string {
	if p == Continuous {
		return "continuous"
	}
	return "single_utterance"
}

// ParsePolicy maps the configuration value to a Policy. Empty means
// SingleUtterance.
func ParsePolicy(value string) (Policy, error) {
	switch value {
	case "", "single_utterance":
		return SingleUtterance, nil
	case "continuous":
		return Continuous, nil
	default:
		return SingleUtterance, fmt.Errorf("unknown recording policy %q", value)
	}
}

var (
	ErrDenied                    = errors.New("speech recognition permission denied")
	ErrNotDetermined             = errors.New("speech recognition permission not determined")
	ErrRestricted                = errors.New("speech recognition restricted on this device")
	ErrAudioSessionUnavailable   = errors.New("audio session unavailable")
	ErrInputNodeUnavailable      = errors.New("audio input unavailable")
	ErrInvalidRecognitionRequest = errors.New("unable to create recognition request")
	ErrAudioEngineUnavailable    = errors.New("audio engine unavailable")

	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("session manager closed")
)

// wrap joins a sentinel with its cause so errors.Is matches both.
func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
