package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-ttsplay/internal/config"
)

var (
	ErrDeviceOpen  = errors.New("audio device open failed")
	ErrDeviceWrite = errors.New("audio device write failed")
)

// Device is an open mono float32 output stream.
type Device interface {
	// Write blocks until the device has accepted every sample.
	Write(ctx context.Context, samples []float32) error
	// Stop lets buffered audio drain and halts playback.
	Stop() error
	// Close releases the device. Stop should be called first.
	Close() error
}

// Backend opens Devices for a given sample rate.
type Backend interface {
	Open(sampleRate, channels int) (Device, error)
	Name() string
}

// NewBackend selects the backend named by cfg.Backend.
func NewBackend(cfg config.PlaybackConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "oto", "":
		return NewOtoBackend(cfg.BufferMS, log), nil
	case "exec":
		return NewExecBackend(cfg.Command, log)
	case "null":
		return NewNullBackend(cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unknown playback backend %q", cfg.Backend)
	}
}
