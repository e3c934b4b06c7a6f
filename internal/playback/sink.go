package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
)

const channels = 1

// ServerError carries a server-reported failure. It is a terminal outcome, not a local fault.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "tts server error: " + e.Message
}

// Progress is reported once per played chunk.
type Progress struct {
	Index      int
	Samples    int
	SampleRate int
}

// Options customizes a Sink.
type Options struct {
	OnProgress func(Progress)
}

// Session is the mutable state of one playback.
type Session struct {
	Device         Device
	SampleRate     int
	Chunks         [][]float32
	Finished       bool
	TotalSamples   int
	RateMismatches int
}

// Sink applies server events to a Session: it opens the device on the first chunk, writes
// every chunk synchronously, and keeps all chunks in arrival order.
type Sink struct {
	backend Backend
	opts    Options
	log     *slog.Logger
	session Session

	teardownOnce sync.Once
	teardownErr  error
}

// NewSink returns a Sink that opens devices from backend on the first audio chunk.
func NewSink(backend Backend, opts Options, log *slog.Logger) *Sink {
	return &Sink{
		backend: backend,
		opts:    opts,
		log:     log.With(slog.String("component", "playback-sink")),
	}
}

// Handle reacts to one event. done is true once no further events should be read. A Error event
// yields done and a *ServerError; malformed chunks never reach the sink, they fail in the receiver.
func (s *Sink) Handle(ctx context.Context, ev protocol.Event) (bool, error) {
	switch ev.Kind {
	case protocol.KindStart:
		s.log.Info("server started streaming audio")
		return false, nil
	case protocol.KindAudio:
		return false, s.play(ctx, ev)
	case protocol.KindEnd:
		s.session.Finished = true
		s.log.Info("server finished streaming audio", slog.Int("chunks", len(s.session.Chunks)), slog.Int("samples", s.session.TotalSamples))
		return true, nil
	case protocol.KindError:
		s.session.Finished = true
		s.log.Warn("server reported error", slog.String("message", ev.Message))
		return true, &ServerError{Message: ev.Message}
	default:
		s.log.Debug("ignoring malformed event", slog.String("reason", ev.Reason))
		return false, nil
	}
}

func (s *Sink) play(ctx context.Context, ev protocol.Event) error {
	if s.session.Device == nil {
		if ev.SampleRate <= 0 {
			return fmt.Errorf("%w: invalid sample rate %d", ErrDeviceOpen, ev.SampleRate)
		}
		dev, err := s.backend.Open(ev.SampleRate, channels)
		if err != nil {
			return fmt.Errorf("%w: %s at %d Hz: %w", ErrDeviceOpen, s.backend.Name(), ev.SampleRate, err)
		}
		s.session.Device = dev
		s.session.SampleRate = ev.SampleRate
		s.log.Info("audio device opened", slog.String("backend", s.backend.Name()), slog.Int("sample_rate", ev.SampleRate))
	} else if ev.SampleRate != s.session.SampleRate {
		s.session.RateMismatches++
		s.log.Warn("chunk sample rate differs from device rate, playing at device rate",
			slog.Int("chunk_rate", ev.SampleRate), slog.Int("device_rate", s.session.SampleRate))
	}

	if err := s.session.Device.Write(ctx, ev.Samples); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceWrite, err)
	}

	s.session.Chunks = append(s.session.Chunks, ev.Samples)
	s.session.TotalSamples += len(ev.Samples)

	p := Progress{Index: len(s.session.Chunks) - 1, Samples: len(ev.Samples), SampleRate: ev.SampleRate}
	s.log.Info("played audio chunk", slog.Int("index", p.Index), slog.Int("samples", p.Samples))
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
	return nil
}

// Teardown stops and releases the device. Only the first call does any work.
func (s *Sink) Teardown() error {
	s.teardownOnce.Do(func() {
		dev := s.session.Device
		if dev == nil {
			return
		}
		var errs []error
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop device: %w", err))
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
		s.session.Device = nil
		s.teardownErr = errors.Join(errs...)
		s.log.Info("audio device released")
	})
	return s.teardownErr
}

// Session returns a snapshot of the playback state.
func (s *Sink) Session() Session {
	return s.session
}

// Samples concatenates every received chunk in arrival order.
func (s *Sink) Samples() []float32 {
	out := make([]float32, 0, s.session.TotalSamples)
	for _, chunk := range s.session.Chunks {
		out = append(out, chunk...)
	}
	return out
}
