package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLONoObservations(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultAuditSLO())

	status, err := tracker.Status(OperationAudit)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Zero(t, status.ObservationCount)
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultAuditSLO())

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OperationAudit, Latency: 30 * time.Second, Success: true})
	}

	status, err := tracker.Status(OperationAudit)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, float64((30 * time.Second).Milliseconds()), status.CurrentP99)
}

func TestSLOLatencyBreach(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultAuditSLO())

	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OperationAudit, Latency: time.Minute, Success: true})
	}
	tracker.Record(SLOObservation{Operation: OperationAudit, Latency: 20 * time.Minute, Success: true})

	status, err := tracker.Status(OperationAudit)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Equal(t, float64((20 * time.Minute).Milliseconds()), status.CurrentP99)
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultAuditSLO()) // 10% error budget

	// 30% of audits halt the actor: burn rate 3x.
	for i := 0; i < 7; i++ {
		tracker.Record(SLOObservation{Operation: OperationAudit, Latency: time.Second, Success: true})
	}
	for i := 0; i < 3; i++ {
		tracker.Record(SLOObservation{Operation: OperationAudit, Latency: time.Second, Success: false})
	}

	status, err := tracker.Status(OperationAudit)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.InDelta(t, 3.0, status.BurnRate, 1e-9)
	assert.Zero(t, status.ErrorBudgetLeft)
}

func TestSLOWindowPrunes(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(DefaultAuditSLO())

	tracker.Record(SLOObservation{Operation: OperationAudit, Success: false, Timestamp: now.Add(-25 * time.Hour)})
	tracker.Record(SLOObservation{Operation: OperationAudit, Success: true})

	status, err := tracker.Status(OperationAudit)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.True(t, status.InCompliance)
}

func TestSLONoTarget(t *testing.T) {
	_, err := NewSLOTracker().Status("nonexistent")
	assert.Error(t, err)
}
