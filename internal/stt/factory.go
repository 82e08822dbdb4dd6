package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// NewRecognizer builds the configured batch recognizer. busClient may be nil
// unless mode=bus.
func NewRecognizer(cfg config.RecognitionConfig, busClient *bus.Client) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("recognition mode bus requires a bus connection")
		}
		return NewBusRecognizer(busClient, cfg.Subject, cfg.Language), nil
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
}
