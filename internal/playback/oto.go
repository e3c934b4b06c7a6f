package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

const otoBytesPerSample = 2

// OtoBackend plays through the system audio device. oto allows a single context per process,
// so the context is created on first Open and reused; later opens must match its format.
type OtoBackend struct {
	bufferMS int
	log      *slog.Logger

	mu       sync.Mutex
	ctx      *oto.Context
	rate     int
	channels int
}

func NewOtoBackend(bufferMS int, log *slog.Logger) *OtoBackend {
	return &OtoBackend{bufferMS: bufferMS, log: log.With(slog.String("component", "oto"))}
}

func (b *OtoBackend) Name() string { return "oto" }

func (b *OtoBackend) Open(sampleRate, channels int) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		ctx, ready, err := oto.NewContext(sampleRate, channels, otoBytesPerSample)
		if err != nil {
			return nil, fmt.Errorf("oto context: %w", err)
		}
		<-ready
		b.ctx, b.rate, b.channels = ctx, sampleRate, channels
	} else {
		if b.rate != sampleRate || b.channels != channels {
			return nil, fmt.Errorf("oto context already running at %d Hz/%d ch", b.rate, b.channels)
		}
		if err := b.ctx.Resume(); err != nil {
			return nil, fmt.Errorf("resume oto context: %w", err)
		}
	}

	pr, pw := io.Pipe()
	player := b.ctx.NewPlayer(pr)
	if sizer, ok := player.(interface{ SetBufferSize(int) }); ok && b.bufferMS > 0 {
		sizer.SetBufferSize(sampleRate * channels * otoBytesPerSample * b.bufferMS / 1000)
	}
	player.Play()

	return &otoDevice{
		backend: b,
		player:  player,
		reader:  pr,
		writer:  pw,
		rate:    sampleRate,
	}, nil
}

type otoDevice struct {
	backend *OtoBackend
	player  oto.Player
	reader  *io.PipeReader
	writer  *io.PipeWriter
	rate    int
	buf     []byte
}

// Write hands the samples to the player through a pipe; the call returns only once the player
// has read all of them.
func (d *otoDevice) Write(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		d.reader.CloseWithError(ctx.Err())
	})
	defer stop()

	d.buf = encodeInt16(d.buf[:0], samples)
	if _, err := d.writer.Write(d.buf); err != nil {
		return err
	}
	return d.player.Err()
}

func (d *otoDevice) Stop() error {
	_ = d.writer.Close()

	// Drain: the player stops on EOF once its buffer is played.
	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()
	for d.player.IsPlaying() && time.Now().Before(deadline) {
		<-ticker.C
	}
	d.player.Pause()
	return d.player.Err()
}

func (d *otoDevice) Close() error {
	_ = d.reader.Close()
	err := d.player.Close()
	if serr := d.backend.ctx.Suspend(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func encodeInt16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(math.Round(v*math.MaxInt16))))
		dst = append(dst, b[:]...)
	}
	return dst
}
