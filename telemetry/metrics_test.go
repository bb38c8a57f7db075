package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	gatewayRequestsTotal, err := meter.Int64Counter("drawsync_gateway_requests_total")
	require.NoError(t, err)

	gatewayRequestDuration, err := meter.Float64Histogram("drawsync_gateway_request_duration_seconds")
	require.NoError(t, err)

	gatewayBytesTotal, err := meter.Int64Counter("drawsync_gateway_bytes_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		gatewayRequestsTotal:   gatewayRequestsTotal,
		gatewayRequestDuration: gatewayRequestDuration,
		gatewayBytesTotal:      gatewayBytesTotal,
		meterProvider:          mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordGatewayCall(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGatewayCall(context.Background(), "PUT", "success", 50*time.Millisecond, 1024)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "drawsync_gateway_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "PUT"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "drawsync_gateway_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "drawsync_gateway_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordGatewayCallNoBytes(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGatewayCall(context.Background(), "GET", "error", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "drawsync_gateway_requests_total")
	require.Len(t, dps, 1)

	// No bytes recorded for failed requests.
	bytesDps := findCounter(rm, "drawsync_gateway_bytes_total")
	require.Empty(t, bytesDps)
}

func TestRecordGatewayCallNilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	RecordGatewayCall(context.Background(), "GET", "success", time.Millisecond, 1)
}
