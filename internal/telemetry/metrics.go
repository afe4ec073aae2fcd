package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ideamic/internal/domain"
)

const meterName = "ideamic/capture"

// Metrics records capture outcomes as OpenTelemetry instruments.
type Metrics struct {
	started     metric.Int64Counter
	finalized   metric.Int64Counter
	cancelled   metric.Int64Counter
	failed      metric.Int64Counter
	permissions metric.Int64Counter
	duration    metric.Float64Histogram
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	started, err := meter.Int64Counter("ideamic.recordings.started",
		metric.WithDescription("Recordings that reached the recording state."))
	if err != nil {
		return nil, err
	}
	finalized, err := meter.Int64Counter("ideamic.recordings.finalized",
		metric.WithDescription("Recordings finalized into a blob, by stop cause."))
	if err != nil {
		return nil, err
	}
	cancelled, err := meter.Int64Counter("ideamic.recordings.cancelled",
		metric.WithDescription("Recordings discarded by the user."))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("ideamic.recordings.errors",
		metric.WithDescription("Capture failures, by reason."))
	if err != nil {
		return nil, err
	}
	permissions, err := meter.Int64Counter("ideamic.permission.requests",
		metric.WithDescription("Microphone permission requests, by resulting state."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("ideamic.recordings.duration",
		metric.WithDescription("Elapsed recording time of finalized recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		started:     started,
		finalized:   finalized,
		cancelled:   cancelled,
		failed:      failed,
		permissions: permissions,
		duration:    duration,
	}, nil
}

func (m *Metrics) PermissionRequested(ctx context.Context, state domain.PermissionState) {
	m.permissions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(state))))
}

func (m *Metrics) RecordingStarted(ctx context.Context, mimeType string) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("mime_type", mimeType)))
}

// RecordingFinalized counts cap stops alongside manual stops; caps are not
// errors.
func (m *Metrics) RecordingFinalized(ctx context.Context, cause domain.StopCause, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("cause", string(cause)))
	m.finalized.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordingCancelled(ctx context.Context) {
	m.cancelled.Add(ctx, 1)
}

func (m *Metrics) RecordingFailed(ctx context.Context, reason domain.Reason) {
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}
