package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/steward/pkg/auditloop"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/gatekeeper"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

var (
	_ ledger.Hooks     = (*Metrics)(nil)
	_ gatekeeper.Hooks = (*Metrics)(nil)
	_ auditloop.Hooks  = (*Metrics)(nil)
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordsHooks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewMetrics(mp.Meter(InstrumentationName))
	require.NoError(t, err)

	m.EntryAppended(contracts.EventIntentAutoApproved)
	m.EntryAppended(contracts.EventActionRecorded)
	m.ChainBroken(4)
	m.IntentSubmitted(contracts.TierSafe, true)
	m.IntentSubmitted(contracts.TierSensitive, false)
	m.IntentApproved(contracts.TierSensitive)
	m.BundleCreated(true, 0.9)
	m.ActionRecorded()
	m.AuditCompleted(false, 2*time.Second)
	m.ActorHalted()

	got := collect(t, reader)
	assert.EqualValues(t, 2, sum(t, got["steward.ledger.entries"]))
	assert.EqualValues(t, 1, sum(t, got["steward.ledger.chain_breaks"]))
	assert.EqualValues(t, 2, sum(t, got["steward.intents.submitted"]))
	assert.EqualValues(t, 1, sum(t, got["steward.intents.approved"]))
	assert.EqualValues(t, 1, sum(t, got["steward.bundles.created"]))
	assert.EqualValues(t, 1, sum(t, got["steward.actions.recorded"]))
	assert.EqualValues(t, 1, sum(t, got["steward.audits.completed"]))
	assert.EqualValues(t, 1, sum(t, got["steward.actor.halts"]))

	hist, ok := got["steward.audit.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 2.0, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetricsFeedsSLO(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	slo := NewSLOTracker()
	slo.SetTarget(DefaultAuditSLO())
	m, err := NewMetrics(mp.Meter(InstrumentationName))
	require.NoError(t, err)
	m.WithSLO(slo)

	m.AuditCompleted(true, time.Second)
	m.AuditCompleted(false, time.Second)

	status, err := slo.Status(OperationAudit)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ObservationCount)
	assert.Equal(t, 0.5, status.CurrentSuccess)
}
