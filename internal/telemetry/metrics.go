package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the playback instruments. A nil *Metrics records nothing.
type Metrics struct {
	chunks     metric.Int64Counter
	samples    metric.Int64Counter
	sessions   metric.Int64Counter
	firstChunk metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	chunks, err := meter.Int64Counter("ttsplay.chunks",
		metric.WithDescription("Audio chunks played"))
	if err != nil {
		return nil, err
	}
	samples, err := meter.Int64Counter("ttsplay.samples",
		metric.WithDescription("PCM samples played"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("ttsplay.sessions",
		metric.WithDescription("Finished playback sessions by outcome"))
	if err != nil {
		return nil, err
	}
	firstChunk, err := meter.Float64Histogram("ttsplay.first_chunk_latency_ms",
		metric.WithDescription("Time from request sent to first audio chunk"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		chunks:     chunks,
		samples:    samples,
		sessions:   sessions,
		firstChunk: firstChunk,
	}, nil
}

func (m *Metrics) RecordChunk(ctx context.Context, samples int) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
	m.samples.Add(ctx, int64(samples))
}

func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordFirstChunk(ctx context.Context, latency time.Duration) {
	if m == nil {
		return
	}
	m.firstChunk.Record(ctx, float64(latency)/float64(time.Millisecond))
}
