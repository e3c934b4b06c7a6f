package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/loqalabs/loqa-ttsplay/internal/journal"
	"github.com/loqalabs/loqa-ttsplay/internal/playback"
	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
	"github.com/loqalabs/loqa-ttsplay/internal/stream"
	"github.com/loqalabs/loqa-ttsplay/internal/telemetry"
	"github.com/loqalabs/loqa-ttsplay/internal/wavout"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	OutcomeCompleted   = "completed"
	OutcomeServerError = "server_error"
	OutcomeAborted     = "aborted"
	OutcomeFailed      = "failed"
)

var errConnect = errors.New("connect to tts server")

// Publisher receives progress notices. *bus.Client satisfies it.
type Publisher interface {
	PublishChunk(protocol.ChunkNotice) error
	PublishDone(protocol.SessionNotice) error
}

// Deps are the collaborators of a Runner. Only Backend is required.
type Deps struct {
	Backend   playback.Backend
	Journal   *journal.Journal
	Publisher Publisher
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
}

// Result summarizes a finished session.
type Result struct {
	ID             string
	Outcome        string
	Message        string
	Chunks         int
	Samples        int
	SampleRate     int
	RateMismatches int
	// OutputPath is empty when no file was written.
	OutputPath string
}

type Runner struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func NewRunner(cfg config.Config, deps Deps, logger *slog.Logger) (*Runner, error) {
	if deps.Backend == nil {
		return nil, errors.New("playback backend is required")
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("ttsplay")
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "session")),
		now:    time.Now,
	}, nil
}

// Run plays one synthesis request to completion. The device is always released before the
// output file is written. Only a completed session returns a nil error; a server-reported
// failure returns a *playback.ServerError.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	res := Result{ID: uuid.NewString()}
	log := r.logger.With(slog.String("session_id", res.ID))

	ctx, span := r.deps.Tracer.Start(ctx, "ttsplay.session",
		trace.WithAttributes(
			attribute.String("session.id", res.ID),
			attribute.String("tts.mode", r.cfg.Request.Mode),
			attribute.String("playback.backend", r.deps.Backend.Name()),
		))
	defer span.End()

	if err := r.deps.Journal.BeginSession(ctx, res.ID, r.cfg.Request.Text, r.cfg.Request.Mode); err != nil {
		log.Warn("journal begin failed", slog.String("error", err.Error()))
	}

	sink := playback.NewSink(r.deps.Backend, playback.Options{
		OnProgress: r.progressHandler(ctx, res.ID, r.now(), log),
	}, log)
	// Releases the device even if a write or progress callback panics.
	defer sink.Teardown()

	runErr := r.stream(ctx, sink, log)
	if err := sink.Teardown(); err != nil {
		log.Warn("device teardown failed", slog.String("error", err.Error()))
	}

	state := sink.Session()
	res.Chunks = len(state.Chunks)
	res.Samples = state.TotalSamples
	res.SampleRate = state.SampleRate
	res.RateMismatches = state.RateMismatches
	res.Outcome, res.Message = classify(runErr)

	if r.shouldSave(res) {
		path := r.cfg.Output.Path
		if err := wavout.WriteFloat32(path, state.SampleRate, sink.Samples()); err != nil {
			log.Error("failed to save audio", slog.String("path", path), slog.String("error", err.Error()))
			if runErr == nil {
				runErr = fmt.Errorf("save output: %w", err)
				res.Outcome, res.Message = OutcomeFailed, runErr.Error()
			}
		} else {
			res.OutputPath = path
			log.Info("saved audio", slog.String("path", path), slog.Int("samples", res.Samples), slog.Int("sample_rate", res.SampleRate))
		}
	} else if res.Chunks == 0 {
		log.Info("no audio received, nothing saved")
	}

	r.finish(ctx, res, log)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, res.Outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.String("session.outcome", res.Outcome),
		attribute.Int("audio.chunks", res.Chunks),
		attribute.Int("audio.samples", res.Samples),
	)
	return res, runErr
}

// stream dials, then feeds every event to the sink until a terminal event or the first error.
func (r *Runner) stream(ctx context.Context, sink *playback.Sink, log *slog.Logger) error {
	req := protocol.SynthesisRequest{
		Text:       r.cfg.Request.Text,
		Mode:       r.cfg.Request.Mode,
		PromptText: r.cfg.Request.PromptText,
		PromptWav:  r.cfg.Request.PromptWav,
		Stream:     true,
		Speed:      r.cfg.Request.Speed,
		Seed:       r.cfg.Request.Seed,
	}
	recv, err := stream.Dial(ctx, r.cfg.Server, req, log)
	if err != nil {
		return fmt.Errorf("%w: %w", errConnect, err)
	}
	defer recv.Close()

	for ev, err := range recv.Events(ctx) {
		if err != nil {
			return err
		}
		done, err := sink.Handle(ctx, ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	// The iterator only ends without a terminal event on ErrStreamDone, which Handle prevents.
	return stream.ErrAbnormalClosure
}

func (r *Runner) progressHandler(ctx context.Context, id string, started time.Time, log *slog.Logger) func(playback.Progress) {
	return func(p playback.Progress) {
		if p.Index == 0 {
			r.deps.Metrics.RecordFirstChunk(ctx, r.now().Sub(started))
		}
		r.deps.Metrics.RecordChunk(ctx, p.Samples)

		notice := protocol.ChunkNotice{
			SessionID:  id,
			Index:      p.Index,
			Samples:    p.Samples,
			SampleRate: p.SampleRate,
			Timestamp:  r.now().UTC(),
		}
		if r.deps.Publisher != nil {
			if err := r.deps.Publisher.PublishChunk(notice); err != nil {
				log.Warn("publish chunk failed", slog.String("error", err.Error()))
			}
		}
		payload, _ := json.Marshal(notice)
		if err := r.deps.Journal.AppendEvent(ctx, journal.Event{SessionID: id, Type: "chunk", Payload: payload}); err != nil {
			log.Warn("journal append failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) shouldSave(res Result) bool {
	if res.Chunks == 0 || r.cfg.Output.Path == "" {
		return false
	}
	return r.cfg.Output.SavePartial || res.Outcome == OutcomeCompleted
}

// finish records the outcome everywhere it is observed. It uses a fresh context so a
// cancelled session is still journaled.
func (r *Runner) finish(ctx context.Context, res Result, log *slog.Logger) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	r.deps.Metrics.RecordSession(finishCtx, res.Outcome)

	err := r.deps.Journal.FinishSession(finishCtx, journal.Session{
		ID:         res.ID,
		Outcome:    res.Outcome,
		SampleRate: res.SampleRate,
		Chunks:     res.Chunks,
		Samples:    res.Samples,
		OutputPath: res.OutputPath,
		Message:    res.Message,
	})
	if err != nil {
		log.Warn("journal finish failed", slog.String("error", err.Error()))
	}

	if r.deps.Publisher != nil {
		err := r.deps.Publisher.PublishDone(protocol.SessionNotice{
			SessionID:  res.ID,
			Outcome:    res.Outcome,
			Message:    res.Message,
			Chunks:     res.Chunks,
			Samples:    res.Samples,
			SampleRate: res.SampleRate,
			OutputPath: res.OutputPath,
			Timestamp:  r.now().UTC(),
		})
		if err != nil {
			log.Warn("publish done failed", slog.String("error", err.Error()))
		}
	}

	level := slog.LevelInfo
	if res.Outcome != OutcomeCompleted {
		level = slog.LevelWarn
	}
	log.Log(finishCtx, level, "session finished",
		slog.String("outcome", res.Outcome),
		slog.Int("chunks", res.Chunks),
		slog.Int("samples", res.Samples),
		slog.String("message", res.Message))
}

func classify(err error) (string, string) {
	if err == nil {
		return OutcomeCompleted, ""
	}
	var serverErr *playback.ServerError
	switch {
	case errors.Is(err, errConnect):
		return OutcomeFailed, err.Error()
	case errors.As(err, &serverErr):
		return OutcomeServerError, serverErr.Message
	case errors.Is(err, stream.ErrAbnormalClosure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeAborted, err.Error()
	default:
		return OutcomeFailed, err.Error()
	}
}
