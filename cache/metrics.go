package cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments recorded by the cache store.
type Metrics struct {
	savesTotal        metric.Int64Counter
	evictionsTotal    metric.Int64Counter
	evictedBytesTotal metric.Int64Counter
	purgesTotal       metric.Int64Counter
}

// NewMetrics creates the cache instrument set on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	savesTotal, err := meter.Int64Counter(
		"drawsync_cache_saves_total",
		metric.WithDescription("Total local cache save attempts"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	evictionsTotal, err := meter.Int64Counter(
		"drawsync_cache_evictions_total",
		metric.WithDescription("Total entries evicted to stay under the quota cap"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	evictedBytesTotal, err := meter.Int64Counter(
		"drawsync_cache_evicted_bytes_total",
		metric.WithDescription("Total content bytes reclaimed by quota eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	purgesTotal, err := meter.Int64Counter(
		"drawsync_cache_purges_total",
		metric.WithDescription("Total entries purged (expired, corrupted, or evicted)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		savesTotal:        savesTotal,
		evictionsTotal:    evictionsTotal,
		evictedBytesTotal: evictedBytesTotal,
		purgesTotal:       purgesTotal,
	}, nil
}

// RecordSave records a save attempt and its outcome.
func (m *Metrics) RecordSave(ctx context.Context, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.savesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEviction records a quota eviction and the bytes it reclaimed.
func (m *Metrics) RecordEviction(ctx context.Context, bytes int64) {
	m.evictionsTotal.Add(ctx, 1)
	m.evictedBytesTotal.Add(ctx, bytes)
}

// RecordPurge records an entry removal with its reason.
func (m *Metrics) RecordPurge(ctx context.Context, reason string) {
	m.purgesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
