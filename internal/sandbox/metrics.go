package sandbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/factlog/internal/sandbox"

type evalMetrics struct {
	evaluations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newEvalMetrics(meter metric.Meter, logger *zap.Logger) *evalMetrics {
	m := &evalMetrics{}

	var err error
	m.evaluations, err = meter.Int64Counter(
		"factlog.sandbox.evaluations_total",
		metric.WithDescription("Snippet evaluations by outcome (ok, no_result, error, timeout, rejected)"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		logger.Warn("failed to create evaluations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"factlog.sandbox.duration_seconds",
		metric.WithDescription("Wall time of a snippet evaluation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	return m
}

func (m *evalMetrics) record(ctx context.Context, d time.Duration, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.evaluations != nil {
		m.evaluations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}
