package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-ttsplay/internal/mockserver"
)

func main() {
	var (
		addr       string
		sampleRate int
		chunks     int
		chunkMS    int
		freq       float64
		failAfter  int
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:8001", "Listen address")
	flag.IntVar(&sampleRate, "rate", 24000, "Sample rate of generated audio")
	flag.IntVar(&chunks, "chunks", 20, "Number of audio chunks per session")
	flag.IntVar(&chunkMS, "chunk-ms", 100, "Duration of each chunk in milliseconds")
	flag.Float64Var(&freq, "freq", 440, "Tone frequency in Hz")
	flag.IntVar(&failAfter, "fail-after", 0, "Send an error event after this many chunks (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	samplesPerChunk := sampleRate * chunkMS / 1000
	script := mockserver.SineScript(sampleRate, chunks, samplesPerChunk, freq)
	delay := time.Duration(chunkMS) * time.Millisecond
	for i := 1; i < len(script)-1; i++ {
		script[i].Delay = delay
	}
	if failAfter > 0 && failAfter < chunks {
		script = append(script[:1+failAfter:1+failAfter], mockserver.Error(fmt.Sprintf("synthetic failure after %d chunks", failAfter)))
	}

	mux := http.NewServeMux()
	mux.Handle("/", mockserver.New(script, logger))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock tts server listening", slog.String("addr", addr), slog.Int("sample_rate", sampleRate), slog.Int("chunks", chunks))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("mock server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
