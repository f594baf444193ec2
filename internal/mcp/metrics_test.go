package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
)

func TestMetrics_RecordInvocation(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewMetrics(tel.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.RecordInvocation(ctx, "rag_query", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "rag_query", 50*time.Millisecond, ragerr.Validation("Query", "question is required"))
	m.Track(ctx, "document_add")(errors.New("boom"))

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)

	invocations, ok := telemetry.FindMetric(rm, "ragd.mcp.tool.invocations_total")
	require.True(t, ok)
	sum, ok := invocations.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	errs, ok := telemetry.FindMetric(rm, "ragd.mcp.tool.errors_total")
	require.True(t, ok)
	errSum, ok := errs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	kinds := map[string]int64{}
	for _, dp := range errSum.DataPoints {
		kind, _ := dp.Attributes.Value(attribute.Key("kind"))
		kinds[kind.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"validation": 1, "internal": 1}, kinds)

	active, ok := telemetry.FindMetric(rm, "ragd.mcp.tool.active_requests")
	require.True(t, ok)
	gauge, ok := active.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range gauge.DataPoints {
		assert.Zero(t, dp.Value, "tracked invocations are no longer active")
	}
}
