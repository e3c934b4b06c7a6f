package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-ttsplay/internal/bus"
	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/loqalabs/loqa-ttsplay/internal/journal"
	"github.com/loqalabs/loqa-ttsplay/internal/natsserver"
	"github.com/loqalabs/loqa-ttsplay/internal/playback"
	"github.com/loqalabs/loqa-ttsplay/internal/session"
	"github.com/loqalabs/loqa-ttsplay/internal/telemetry"
)

var version = "0.1.0-dev"

// Exit codes by session outcome.
const (
	exitOK          = 0
	exitFailed      = 1
	exitServerError = 2
	exitAborted     = 3
)

func main() {
	var (
		configPath  string
		text        string
		url         string
		out         string
		backend     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&text, "text", "", "Text to synthesize (overrides request.text)")
	flag.StringVar(&url, "url", "", "TTS websocket URL (overrides server.url)")
	flag.StringVar(&out, "out", "", "Output WAV path (overrides output.path)")
	flag.StringVar(&backend, "backend", "", "Playback backend: oto, exec or null (overrides playback.backend)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath, func(c *config.Config) {
		if text != "" {
			c.Request.Text = text
		}
		if url != "" {
			c.Server.URL = url
		}
		if out != "" {
			c.Output.Path = out
		}
		if backend != "" {
			c.Playback.Backend = backend
		}
	})
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitFailed)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	tel, err := telemetry.Setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to setup telemetry", slog.String("error", err.Error()))
		return exitFailed
	}
	defer shutdown(logger, "telemetry", tel.Shutdown)

	metricsServer, err := telemetry.Serve(cfg.Telemetry.PrometheusBind, tel.Handler, logger)
	if err != nil {
		logger.Error("failed to start metrics server", slog.String("error", err.Error()))
		return exitFailed
	}
	defer shutdown(logger, "metrics server", metricsServer.Shutdown)

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to start embedded NATS", slog.String("error", err.Error()))
		return exitFailed
	}
	defer embedded.Shutdown()

	var publisher session.Publisher
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, logger)
		if err != nil {
			logger.Warn("progress bus unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			defer client.Close()
			publisher = client
		}
	}

	store, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("failed to open journal", slog.String("error", err.Error()))
		return exitFailed
	}
	defer store.Close()

	be, err := playback.NewBackend(cfg.Playback, logger)
	if err != nil {
		logger.Error("failed to create playback backend", slog.String("error", err.Error()))
		return exitFailed
	}

	runner, err := session.NewRunner(cfg, session.Deps{
		Backend:   be,
		Journal:   store,
		Publisher: publisher,
		Tracer:    tel.Tracer,
		Metrics:   tel.Metrics,
	}, logger)
	if err != nil {
		logger.Error("failed to create session runner", slog.String("error", err.Error()))
		return exitFailed
	}

	res, err := runner.Run(ctx)
	if err != nil {
		logger.Error("session ended with error",
			slog.String("session_id", res.ID),
			slog.String("outcome", res.Outcome),
			slog.String("error", err.Error()))
	}

	var serverErr *playback.ServerError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &serverErr):
		return exitServerError
	case res.Outcome == session.OutcomeAborted:
		return exitAborted
	default:
		return exitFailed
	}
}

func shutdown(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error(name+" shutdown error", slog.String("error", err.Error()))
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
