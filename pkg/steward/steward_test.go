package steward

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
)

type passingLint struct{}

func (passingLint) Lint(context.Context, []string) (contracts.LintResult, error) {
	return contracts.LintResult{Passed: true}, nil
}

type passingTests struct {
	mu    sync.Mutex
	calls []string
}

func (p *passingTests) Run(_ context.Context, command string, _ []string) (contracts.TestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, command)
	return contracts.TestResult{Passed: true, Total: 12}, nil
}

type memReader map[string]string

func (m memReader) Read(_ context.Context, resource string) ([]byte, error) {
	s, ok := m[resource]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", resource, os.ErrNotExist)
	}
	return []byte(s), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []contracts.EventType
}

func (n *recordingNotifier) Publish(_ context.Context, ev contracts.EventType, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) seen() []contracts.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]contracts.EventType(nil), n.events...)
}

type harness struct {
	steward  *Steward
	store    *ledger.MemoryStore
	reader   memReader
	tests    *passingTests
	notifier *recordingNotifier
	metrics  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, threshold int) *harness {
	t.Helper()
	profile := config.DefaultProfile()
	profile.Audit.Threshold = threshold

	h := &harness{
		store:    ledger.NewMemoryStore(),
		reader:   memReader{"app.py": "def handler(event):\n    return event\n"},
		tests:    &passingTests{},
		notifier: &recordingNotifier{},
		metrics:  sdkmetric.NewManualReader(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.metrics))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	s, err := New(context.Background(), Options{
		Config:    &config.Config{Notify: []string{config.SinkLog}},
		Profile:   profile,
		Store:     h.store,
		Lint:      passingLint{},
		Tests:     h.tests,
		Resources: h.reader,
		Notifier:  h.notifier,
		Meter:     mp.Meter("steward-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.steward = s
	return h
}

func (h *harness) action(intentID string, resources ...string) contracts.ActionReport {
	return contracts.ActionReport{
		ActionType:         "edit",
		IntentID:           intentID,
		ResourcesTouched:   resources,
		SizeDelta:          contracts.SizeDelta{Added: 4, Removed: 1},
		TestsRun:           12,
		TestsPassed:        12,
		VerificationPassed: true,
		Actor:              "agent",
	}
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.metrics.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestGovernedLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	s := h.steward

	intent, err := s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Add docstrings to the request handler",
		Operation:       "add_docs",
		TargetResources: []string{"app.py"},
		RequestedBy:     "agent",
	})
	require.NoError(t, err)
	assert.True(t, intent.Approved)
	assert.Equal(t, contracts.TierSafe, intent.Tier)

	bundle, err := s.CreateVerificationBundle(ctx, intent.IntentID, []string{"app.py"}, "go test ./...")
	require.NoError(t, err)
	assert.True(t, bundle.GovernanceApproved)
	assert.Equal(t, 1.0, bundle.TrustScore)

	for i := 0; i < 3; i++ {
		a, err := s.RecordAction(ctx, h.action(intent.IntentID, "app.py"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, a.CycleNumber)
	}

	st := s.GetCycleStatus()
	assert.EqualValues(t, 2, st.CycleNumber)
	assert.Equal(t, 1, st.AuditsRun)
	assert.Zero(t, st.SinceLastAudit)
	assert.False(t, st.Halted)
	require.NotNil(t, st.LastAudit)
	assert.True(t, st.LastAudit.ApprovedToContinue)
	assert.Len(t, s.History(), 1)
	assert.Contains(t, h.notifier.seen(), contracts.EventAuditCycleComplete)

	completes, err := s.QueryLedger(ctx, ledger.QueryFilter{EventType: contracts.EventAuditCycleComplete})
	require.NoError(t, err)
	assert.Len(t, completes, 1)

	res, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.EqualValues(t, h.store.Len(), res.Entries)

	bundleExport, err := s.Export(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyBundle(bundleExport))

	slo, err := s.AuditSLO()
	require.NoError(t, err)
	assert.Equal(t, 1, slo.ObservationCount)

	assert.EqualValues(t, 3, h.counter(t, "steward.actions.recorded"))
	assert.EqualValues(t, 1, h.counter(t, "steward.audits.completed"))
	assert.EqualValues(t, 1, h.counter(t, "steward.bundles.created"))
	assert.Positive(t, h.counter(t, "steward.ledger.entries"))
}

func TestHaltedActorCannotSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	s := h.steward
	h.reader["gen.py"] = strings.Repeat("    total = compute_total(items)\n", 7)

	intent, err := s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Format generated module",
		Operation:       "format",
		TargetResources: []string{"gen.py"},
		RequestedBy:     "agent",
	})
	require.NoError(t, err)

	_, err = s.RecordAction(ctx, h.action(intent.IntentID, "gen.py"))
	require.NoError(t, err)
	st := s.GetCycleStatus()
	require.True(t, st.Halted)
	assert.Contains(t, st.HaltReason, "anomaly")

	_, err = s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Fix a typo",
		Operation:       "fix_typo",
		TargetResources: []string{"app.py"},
		RequestedBy:     "agent",
	})
	assert.ErrorIs(t, err, contracts.ErrActorHalted)
	assert.EqualValues(t, 1, h.counter(t, "steward.actor.halts"))

	require.NoError(t, s.Resume(ctx, "operator"))
	_, err = s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Fix a typo",
		Operation:       "fix_typo",
		TargetResources: []string{"app.py"},
		RequestedBy:     "agent",
	})
	assert.NoError(t, err)
}

func TestSensitiveIntentRequiresSecondParty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	s := h.steward

	intent, err := s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Relax the deny rule for bundles",
		Operation:       "modify_governance",
		TargetResources: []string{"policy/rules.yaml"},
		RequestedBy:     "agent",
	})
	require.NoError(t, err)
	assert.False(t, intent.Approved)
	assert.Equal(t, contracts.TierSensitive, intent.Tier)
	require.Len(t, s.PendingIntents(), 1)

	_, err = s.RecordAction(ctx, h.action(intent.IntentID, "policy/rules.yaml"))
	assert.ErrorIs(t, err, contracts.ErrIntentNotApproved)

	_, err = s.ApproveIntent(ctx, intent.IntentID, "agent")
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)

	approved, err := s.ApproveIntent(ctx, intent.IntentID, "security-lead")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	assert.Empty(t, s.PendingIntents())

	got, err := s.GetIntent(intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "security-lead", got.ApprovedBy)
}

func TestTamperedLedgerRefusesWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15)
	s := h.steward

	intent, err := s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Lint the handler",
		Operation:       "lint",
		TargetResources: []string{"app.py"},
		RequestedBy:     "agent",
	})
	require.NoError(t, err)

	require.True(t, h.store.Tamper(intent.LedgerEntryID, func(b []byte) []byte {
		var e ledger.Entry
		require.NoError(t, json.Unmarshal(b, &e))
		e.Actor = "mallory"
		out, _ := json.Marshal(e)
		return out
	}))

	res, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.EqualValues(t, 1, res.FirstBrokenIndex)

	_, err = s.SubmitIntent(ctx, contracts.IntentRequest{
		Description:     "Lint again",
		Operation:       "lint",
		TargetResources: []string{"app.py"},
		RequestedBy:     "agent",
	})
	assert.ErrorIs(t, err, contracts.ErrChainCompromised)

	_, err = s.ClearCompromised(ctx, "operator", "reviewed")
	assert.ErrorIs(t, err, contracts.ErrChainCompromised, "a still-broken chain cannot be cleared")
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	_, err := New(context.Background(), Options{
		Config:  &config.Config{BaselineBackend: "etcd", LintCommand: []string{"true"}},
		Profile: config.DefaultProfile(),
		Store:   ledger.NewMemoryStore(),
	})
	assert.ErrorContains(t, err, "unknown baseline backend")

	_, err = New(context.Background(), Options{
		Config:  &config.Config{Notify: []string{"pager"}, LintCommand: []string{"true"}},
		Profile: config.DefaultProfile(),
		Store:   ledger.NewMemoryStore(),
	})
	assert.ErrorContains(t, err, "unknown notification sink")
}
