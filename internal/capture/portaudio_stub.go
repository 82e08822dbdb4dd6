//go:build !portaudio

package capture

import (
	"errors"
	"log/slog"
)

func NewPortAudioDevice(_, _, _ int, _ *slog.Logger) (Device, error) {
	return nil, errors.New("built without portaudio support; rebuild with -tags portaudio")
}
