package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// sumOf returns the total of all data points of the named int64 sum.
func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithReader(reader)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.RecordTransfer("get", 4096)
	m.RecordTransfer("put", 100)
	m.RecordCompletion("d2d", 1)
	m.RecordCompletion("d2d", 0)
	m.RecordAttach(false)
	m.RecordAttach(true)
	m.RecordRegistration("uncached")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(4196), sumOf(t, rm, "cudaipc.transfer.bytes"))
	assert.Equal(t, int64(2), sumOf(t, rm, "cudaipc.transfer.ops"))
	assert.Equal(t, int64(1), sumOf(t, rm, "cudaipc.transfer.outstanding"))
	assert.Equal(t, int64(1), sumOf(t, rm, "cudaipc.completions"))
	assert.Equal(t, int64(2), sumOf(t, rm, "cudaipc.attaches"))
	assert.Equal(t, int64(1), sumOf(t, rm, "cudaipc.registrations"))
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	assert.NotPanics(t, func() {
		m.RecordTransfer("get", 1)
		m.RecordCompletion("d2d", 1)
		m.RecordAttach(true)
		m.RecordRegistration("hit")
	})
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestParseCollectorAddr(t *testing.T) {
	tests := []struct {
		addr     string
		endpoint string
		scheme   string
		wantErr  bool
	}{
		{addr: "localhost:4317", endpoint: "localhost:4317", scheme: "grpc"},
		{addr: "127.0.0.1:4317", endpoint: "127.0.0.1:4317", scheme: "grpc"},
		{addr: "grpcs://collector:4317", endpoint: "collector:4317", scheme: "grpcs"},
		{addr: "HTTP://collector:4318", endpoint: "collector:4318", scheme: "http"},
		{addr: "collector", wantErr: true},
		{addr: "", wantErr: true},
		{addr: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			endpoint, scheme, err := parseCollectorAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.scheme, scheme)
		})
	}
}

func TestNewMetricsRejectsUnknownScheme(t *testing.T) {
	_, err := NewMetrics(context.Background(), "test", "ftp://collector:21")
	assert.Error(t, err)
}
