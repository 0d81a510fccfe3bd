package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "x108", cfg.ServiceName)
	require.Empty(t, cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	r, err := NewRecorder(mp.Meter("test"))
	require.NoError(t, err)

	r.RecordDecision(ctx, contracts.Decision{Value: contracts.VerdictHold, Reason: contracts.ReasonX108Hold, WaitRemaining: 58})
	r.RecordDecision(ctx, contracts.Decision{Value: contracts.VerdictHold, Reason: contracts.ReasonX108Hold, WaitRemaining: 8})
	r.RecordDecision(ctx, contracts.Decision{Value: contracts.VerdictExecute, Reason: contracts.ReasonPass})
	r.RecordRejection(ctx, "intent-1")

	metrics := collect(t, reader)

	decisions, ok := metrics["x108.decisions"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byVerdict := map[string]int64{}
	for _, dp := range decisions.DataPoints {
		v, _ := dp.Attributes.Value("verdict")
		byVerdict[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"HOLD": 2, "EXECUTE": 1}, byVerdict)

	wait, ok := metrics["x108.wait_remaining_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, wait.DataPoints, 1)
	assert.Equal(t, uint64(2), wait.DataPoints[0].Count)
	assert.InDelta(t, 66.0, wait.DataPoints[0].Sum, 1e-9)

	rejections, ok := metrics["x108.first_seen.rejections"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, rejections.DataPoints, 1)
	assert.Equal(t, int64(1), rejections.DataPoints[0].Value)
}
