package playback

import (
	"context"
	"time"
)

// NullBackend discards audio. With realtime set, writes sleep for the chunk's duration so the
// receive loop is paced as if a real device were attached.
type NullBackend struct {
	realtime bool
}

// NewNullBackend returns a backend whose devices discard every sample.
func NewNullBackend(realtime bool) *NullBackend {
	return &NullBackend{realtime: realtime}
}

func (b *NullBackend) Name() string { return "null" }

func (b *NullBackend) Open(sampleRate, channels int) (Device, error) {
	return &nullDevice{realtime: b.realtime, rate: sampleRate, channels: channels}, nil
}

type nullDevice struct {
	realtime bool
	rate     int
	channels int
}

func (d *nullDevice) Write(ctx context.Context, samples []float32) error {
	if !d.realtime || len(samples) == 0 {
		return ctx.Err()
	}
	frames := len(samples) / d.channels
	timer := time.NewTimer(time.Duration(frames) * time.Second / time.Duration(d.rate))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *nullDevice) Stop() error  { return nil }
func (d *nullDevice) Close() error { return nil }
