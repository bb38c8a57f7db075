package guard

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments recorded by the sync guard.
type Metrics struct {
	syncsTotal   metric.Int64Counter
	passDuration metric.Float64Histogram
	queueDepth   metric.Int64Gauge
}

// NewMetrics creates the guard instrument set on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	syncsTotal, err := meter.Int64Counter(
		"drawsync_guard_syncs_total",
		metric.WithDescription("Total sync attempts by outcome"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"drawsync_guard_pass_duration_seconds",
		metric.WithDescription("Duration of background sync passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"drawsync_guard_queue_depth",
		metric.WithDescription("Entities currently tracked by the sync queue"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		syncsTotal:   syncsTotal,
		passDuration: passDuration,
		queueDepth:   queueDepth,
	}, nil
}

func (g *Guard) recordSync(ctx context.Context, outcome string) {
	if g.metrics == nil {
		return
	}
	g.metrics.syncsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (g *Guard) recordPass(ctx context.Context, d time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.passDuration.Record(ctx, d.Seconds())
}

func (g *Guard) recordQueueDepth(ctx context.Context, depth int) {
	if g.metrics == nil {
		return
	}
	g.metrics.queueDepth.Record(ctx, int64(depth))
}
