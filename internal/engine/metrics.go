package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/westkitty/dexdictate/internal/protocol"
)

type metrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionsFailed    metric.Int64Counter
	sessionsDiscarded metric.Int64Counter
	captureDuration   metric.Float64Histogram
	resampleDuration  metric.Float64Histogram
	inferenceDuration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("dexdictate/engine")
	m := &metrics{}
	m.sessionsStarted, _ = meter.Int64Counter("dictate_sessions_started_total",
		metric.WithDescription("Capture sessions started"))
	m.sessionsCompleted, _ = meter.Int64Counter("dictate_sessions_completed_total",
		metric.WithDescription("Sessions that produced a transcript"))
	m.sessionsFailed, _ = meter.Int64Counter("dictate_sessions_failed_total",
		metric.WithDescription("Sessions that ended in a transcription error"))
	m.sessionsDiscarded, _ = meter.Int64Counter("dictate_sessions_discarded_total",
		metric.WithDescription("Sessions superseded, suspended or dropped"))
	m.captureDuration, _ = meter.Float64Histogram("dictate_capture_duration_seconds",
		metric.WithDescription("Trigger release to capture stop"))
	m.resampleDuration, _ = meter.Float64Histogram("dictate_resample_duration_seconds",
		metric.WithDescription("Capture stop to resampled buffer"))
	m.inferenceDuration, _ = meter.Float64Histogram("dictate_inference_duration_seconds",
		metric.WithDescription("Inference submit to result delivery"))
	return m
}

func (m *metrics) sessionStarted()   { m.sessionsStarted.Add(context.Background(), 1) }
func (m *metrics) sessionCompleted() { m.sessionsCompleted.Add(context.Background(), 1) }
func (m *metrics) sessionFailed()    { m.sessionsFailed.Add(context.Background(), 1) }
func (m *metrics) sessionDiscarded() { m.sessionsDiscarded.Add(context.Background(), 1) }

func (m *metrics) observeSession(t protocol.TimingReport) {
	ctx := context.Background()
	if !t.TriggerReleased.IsZero() && !t.CaptureStopped.IsZero() {
		m.captureDuration.Record(ctx, t.CaptureStopped.Sub(t.TriggerReleased).Seconds())
	}
	if !t.CaptureStopped.IsZero() && !t.ResampleDone.IsZero() {
		m.resampleDuration.Record(ctx, t.ResampleDone.Sub(t.CaptureStopped).Seconds())
	}
	if !t.InferenceSubmit.IsZero() && !t.InferenceDone.IsZero() {
		m.inferenceDuration.Record(ctx, t.InferenceDone.Sub(t.InferenceSubmit).Seconds())
	}
}
