package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/loqalabs/loqa-ttsplay/internal/mockserver"
	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, script mockserver.Script) (*mockserver.Server, config.ServerConfig) {
	t.Helper()
	mock := mockserver.New(script, newLogger())
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	cfg := config.Default().Server
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.ReadTimeoutMS = 2000
	return mock, cfg
}

func testRequest() protocol.SynthesisRequest {
	return protocol.SynthesisRequest{Text: "hello", Mode: "zero_shot", Stream: true, Speed: 1, Seed: 1}
}

func dial(t *testing.T, cfg config.ServerConfig) *Receiver {
	t.Helper()
	rcv, err := Dial(context.Background(), cfg, testRequest(), newLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = rcv.Close() })
	return rcv
}

func TestReceiverYieldsEventsInOrder(t *testing.T) {
	mock, cfg := startServer(t, mockserver.Script{
		mockserver.Start(),
		mockserver.Audio(24000, []float32{0.1, 0.2}),
		mockserver.Audio(24000, []float32{0.3}),
		mockserver.End(),
	})
	rcv := dial(t, cfg)

	var kinds []protocol.Kind
	var samples []float32
	for ev, err := range rcv.Events(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		kinds = append(kinds, ev.Kind)
		samples = append(samples, ev.Samples...)
	}
	want := []protocol.Kind{protocol.KindStart, protocol.KindAudio, protocol.KindAudio, protocol.KindEnd}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %v, got %v", i, want[i], kinds[i])
		}
	}
	if len(samples) != 3 || samples[0] != 0.1 || samples[2] != 0.3 {
		t.Fatalf("unexpected samples %v", samples)
	}

	if _, err := rcv.Next(context.Background()); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected ErrStreamDone after end, got %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(reqs))
	}
	if !reqs[0].Stream || reqs[0].Text != "hello" {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
}

func TestReceiverSkipsMalformedMessages(t *testing.T) {
	_, cfg := startServer(t, mockserver.Script{
		mockserver.Raw("not json"),
		mockserver.Raw(`{"type":"heartbeat"}`),
		mockserver.Start(),
		mockserver.End(),
	})
	rcv := dial(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ev, err := rcv.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != protocol.KindMalformed {
			t.Fatalf("expected malformed event, got %v", ev.Kind)
		}
	}
	ev, err := rcv.Next(ctx)
	if err != nil || ev.Kind != protocol.KindStart {
		t.Fatalf("expected start after malformed messages, got %v %v", ev.Kind, err)
	}
}

func TestReceiverErrorEventTerminates(t *testing.T) {
	_, cfg := startServer(t, mockserver.Script{
		mockserver.Start(),
		mockserver.Error("boom"),
		mockserver.Audio(24000, []float32{1}),
	})
	rcv := dial(t, cfg)
	ctx := context.Background()

	if ev, err := rcv.Next(ctx); err != nil || ev.Kind != protocol.KindStart {
		t.Fatalf("expected start, got %v %v", ev.Kind, err)
	}
	ev, err := rcv.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != protocol.KindError || ev.Message != "boom" {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if _, err := rcv.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected no reads after error event, got %v", err)
	}
}

func TestReceiverMalformedChunkIsFatal(t *testing.T) {
	_, cfg := startServer(t, mockserver.Script{
		mockserver.Start(),
		mockserver.Raw(`{"type":"audio","sample_rate":24000,"audio_data":"AAECAwQF"}`),
		mockserver.End(),
	})
	rcv := dial(t, cfg)
	ctx := context.Background()

	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rcv.Next(ctx); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
	if _, err := rcv.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected sequence closed after fatal chunk, got %v", err)
	}
}

func TestReceiverAbnormalClosure(t *testing.T) {
	cases := map[string]mockserver.Script{
		"close frame": {mockserver.Start(), mockserver.Audio(24000, []float32{0.5})},
		"dropped tcp": {mockserver.Start(), mockserver.Drop()},
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			_, cfg := startServer(t, script)
			rcv := dial(t, cfg)
			var last error
			for _, err := range rcv.Events(context.Background()) {
				last = err
			}
			if !errors.Is(last, ErrAbnormalClosure) {
				t.Fatalf("expected ErrAbnormalClosure, got %v", last)
			}
		})
	}
}

func TestReceiverReadTimeout(t *testing.T) {
	_, cfg := startServer(t, mockserver.Script{
		mockserver.Start(),
		{Message: protocol.ServerMessage{Type: protocol.TypeEnd}, Delay: 500 * time.Millisecond},
	})
	cfg.ReadTimeoutMS = 50
	rcv := dial(t, cfg)
	ctx := context.Background()

	if _, err := rcv.Next(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rcv.Next(ctx); !errors.Is(err, ErrAbnormalClosure) {
		t.Fatalf("expected timeout to surface as abnormal closure, got %v", err)
	}
}

func TestReceiverContextCancel(t *testing.T) {
	_, cfg := startServer(t, mockserver.Script{
		{Message: protocol.ServerMessage{Type: protocol.TypeStart}, Delay: time.Second},
	})
	cfg.ReadTimeoutMS = 0
	rcv := dial(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rcv.Next(ctx)
	if !errors.Is(err, ErrAbnormalClosure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancellation as abnormal closure, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := config.Default().Server
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := Dial(context.Background(), cfg, testRequest(), newLogger()); err == nil {
		t.Fatal("expected handshake failure")
	}
}
