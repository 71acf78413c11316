package gatekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

type fakePolicy struct {
	mu       sync.Mutex
	decide   func(req contracts.PolicyRequest) (contracts.PolicyDecision, error)
	requests []contracts.PolicyRequest
}

func (p *fakePolicy) Check(ctx context.Context, req contracts.PolicyRequest) (contracts.PolicyDecision, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	decide := p.decide
	p.mu.Unlock()
	if decide == nil {
		return contracts.PolicyDecision{Decision: contracts.DecisionAllow, Reason: "ok"}, nil
	}
	return decide(req)
}

func (p *fakePolicy) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r.Action)
	}
	return out
}

type fakeLint struct {
	result contracts.LintResult
	err    error
}

func (f *fakeLint) Lint(context.Context, []string) (contracts.LintResult, error) {
	return f.result, f.err
}

type fakeTests struct {
	result contracts.TestResult
	err    error
	calls  int
}

func (f *fakeTests) Run(context.Context, string, []string) (contracts.TestResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeHealth map[string]contracts.HealthReport

func (f fakeHealth) Health(_ context.Context, id string) (contracts.HealthReport, error) {
	r, ok := f[id]
	if !ok {
		return contracts.HealthReport{ComponentID: id}, nil
	}
	r.Found = true
	return r, nil
}

type haltFlag struct {
	halted bool
}

func (h *haltFlag) Halted() (bool, string) { return h.halted, "audit rejected cycle 1" }

type fixture struct {
	gk     *Gatekeeper
	ledger *ledger.Ledger
	policy *fakePolicy
	lint   *fakeLint
	tests  *fakeTests
	health fakeHealth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.New(ledger.NewMemoryStore()),
		policy: &fakePolicy{},
		lint:   &fakeLint{result: contracts.LintResult{Passed: true}},
		tests:  &fakeTests{result: contracts.TestResult{Passed: true, Total: 4}},
		health: fakeHealth{"ranker": {Healthy: true}},
	}
	cfg := DefaultConfig()
	cfg.Policy.Timeout = 50 * time.Millisecond
	gk, err := New(f.ledger, tiers.New(tiers.DefaultConfig()), Collaborators{
		Policy: f.policy,
		Lint:   f.lint,
		Tests:  f.tests,
		Health: f.health,
	}, cfg)
	require.NoError(t, err)
	f.gk = gk.WithSleep(func(context.Context, time.Duration) error { return nil })
	return f
}

func request(op string, resources ...string) contracts.IntentRequest {
	return contracts.IntentRequest{
		Description:     "change " + op,
		Operation:       op,
		TargetResources: resources,
		RequestedBy:     "agent",
	}
}

func (f *fixture) events(t *testing.T, ev contracts.EventType) []ledger.Entry {
	t.Helper()
	entries, err := f.ledger.Query(context.Background(), ledger.QueryFilter{EventType: ev})
	require.NoError(t, err)
	return entries
}

func TestSafeIntentAutoApproves(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("fix_typo", "a.py"))
	require.NoError(t, err)

	assert.Equal(t, contracts.TierSafe, intent.Tier)
	assert.True(t, intent.Approved)
	assert.False(t, intent.RequiresTests)
	assert.Empty(t, f.policy.actions(), "tier 1 never consults the policy engine")

	entries := f.events(t, contracts.EventIntentAutoApproved)
	require.Len(t, entries, 1)
	assert.Equal(t, intent.LedgerEntryID, entries[0].EntryID)
	assert.Equal(t, contracts.TierSafe, entries[0].GovernanceTier)
}

func TestInternalIntentFollowsPolicy(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("refactor", "pkg/a.go"))
	require.NoError(t, err)
	assert.Equal(t, contracts.TierInternal, intent.Tier)
	assert.True(t, intent.Approved)
	assert.True(t, intent.RequiresTests)
	assert.Equal(t, []string{"refactor"}, f.policy.actions())
	assert.Len(t, f.events(t, contracts.EventIntentPolicyApproved), 1)

	f.policy.decide = func(contracts.PolicyRequest) (contracts.PolicyDecision, error) {
		return contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: "change freeze"}, nil
	}
	denied, err := f.gk.SubmitIntent(context.Background(), request("optimize", "pkg/b.go"))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)
	assert.Contains(t, err.Error(), "change freeze")
	require.NotNil(t, denied)
	assert.False(t, denied.Approved)
	assert.Equal(t, "change freeze", denied.PendingReason)
	assert.Len(t, f.events(t, contracts.EventIntentPolicyDenied), 1)

	pending := f.gk.PendingIntents()
	require.Len(t, pending, 1)
	assert.Equal(t, denied.IntentID, pending[0].IntentID)
}

func TestInternalIntentFailsClosedOnPolicyTimeout(t *testing.T) {
	f := newFixture(t)
	f.policy.decide = func(contracts.PolicyRequest) (contracts.PolicyDecision, error) {
		time.Sleep(200 * time.Millisecond)
		return contracts.PolicyDecision{Decision: contracts.DecisionAllow}, nil
	}
	intent, err := f.gk.SubmitIntent(context.Background(), request("add_feature", "pkg/c.go"))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrCollaboratorTimeout)
	require.NotNil(t, intent)
	assert.False(t, intent.Approved)
	assert.Len(t, f.policy.actions(), 2, "a timed-out check is retried once")
}

func TestSensitiveIntentNeverAutoApproves(t *testing.T) {
	f := newFixture(t)
	for _, req := range []contracts.IntentRequest{
		request("modify_security", "pkg/a.go"),
		request("fix_typo", "core/governance/rules.go"),
		{Description: "retrain", Operation: "optimize", TargetResources: []string{"m.py"}, RequestedBy: "agent", ModelAdapters: []string{"ranker"}},
	} {
		intent, err := f.gk.SubmitIntent(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, contracts.TierSensitive, intent.Tier, req.Operation)
		assert.False(t, intent.Approved, "policy allowed but tier 3 must stay pending")
	}
	assert.Len(t, f.events(t, contracts.EventIntentApprovalRequest), 3)
	assert.Len(t, f.gk.PendingIntents(), 3)
}

func TestApproveIntentFourEyes(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("delete_resource", "old.py"))
	require.NoError(t, err)

	_, err = f.gk.ApproveIntent(context.Background(), intent.IntentID, "agent")
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)

	_, err = f.gk.ApproveIntent(context.Background(), intent.IntentID, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	approved, err := f.gk.ApproveIntent(context.Background(), intent.IntentID, "operator")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	assert.Equal(t, "operator", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	entries := f.events(t, contracts.EventIntentApproved)
	require.Len(t, entries, 1)
	assert.Equal(t, "operator", entries[0].Actor)

	_, err = f.gk.ApproveIntent(context.Background(), intent.IntentID, "operator")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = f.gk.ApproveIntent(context.Background(), "missing", "operator")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	stored, err := f.gk.GetIntent(intent.IntentID)
	require.NoError(t, err)
	assert.True(t, stored.Approved)
}

func TestApproveIntentRejectsNonSensitive(t *testing.T) {
	f := newFixture(t)
	f.policy.decide = func(contracts.PolicyRequest) (contracts.PolicyDecision, error) {
		return contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: "no"}, nil
	}
	intent, err := f.gk.SubmitIntent(context.Background(), request("refactor", "a.go"))
	require.ErrorIs(t, err, contracts.ErrPolicyDenied)

	_, err = f.gk.ApproveIntent(context.Background(), intent.IntentID, "operator")
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestSubmitRejectsMalformedAndHalted(t *testing.T) {
	f := newFixture(t)
	_, err := f.gk.SubmitIntent(context.Background(), request("launch_rockets", "a.py"))
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = f.gk.SubmitIntent(context.Background(), contracts.IntentRequest{Operation: "lint"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	halt := &haltFlag{halted: true}
	f.gk.WithHaltGate(halt)
	_, err = f.gk.SubmitIntent(context.Background(), request("fix_typo", "a.py"))
	assert.ErrorIs(t, err, contracts.ErrActorHalted)

	halt.halted = false
	_, err = f.gk.SubmitIntent(context.Background(), request("fix_typo", "a.py"))
	assert.NoError(t, err)

	_, seq := f.ledger.Head()
	assert.Equal(t, uint64(1), seq, "rejected submissions leave no ledger entry")
}

func TestBundleRequiresApproval(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("modify_governance", "policy.yaml"))
	require.NoError(t, err)
	_, before := f.ledger.Head()

	_, err = f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"policy.yaml"}, "go test ./...")
	assert.ErrorIs(t, err, contracts.ErrIntentNotApproved)

	_, after := f.ledger.Head()
	assert.Equal(t, before, after)
	assert.Zero(t, f.tests.calls)

	_, err = f.gk.CreateVerificationBundle(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestBundleRefusedWhileHalted(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("add_docs", "pkg/a.go"))
	require.NoError(t, err)

	halt := &haltFlag{halted: true}
	f.gk.WithHaltGate(halt)
	_, before := f.ledger.Head()
	_, err = f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"pkg/a.go"}, "go test ./...")
	assert.ErrorIs(t, err, contracts.ErrActorHalted)
	_, after := f.ledger.Head()
	assert.Equal(t, before, after)

	halt.halted = false
	b, err := f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"pkg/a.go"}, "go test ./...")
	require.NoError(t, err)
	assert.True(t, b.GovernanceApproved)
}

func TestBundleAllChecksPass(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("refactor", "pkg/a.go"))
	require.NoError(t, err)

	b, err := f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"pkg/a.go"}, "go test ./...")
	require.NoError(t, err)
	assert.True(t, b.LintPassed)
	assert.Equal(t, 4, b.TestsRun)
	assert.Zero(t, b.TestsFailed)
	assert.Empty(t, b.ContractViolations)
	assert.Equal(t, 1.0, b.TrustScore)
	assert.True(t, b.GovernanceApproved)
	assert.True(t, b.Passed())
	assert.Contains(t, f.policy.actions(), ActionCommitBundle)

	entries := f.events(t, contracts.EventVerificationBundle)
	require.Len(t, entries, 1)
	assert.Equal(t, b.LedgerEntryID, entries[0].EntryID)
	require.NotNil(t, entries[0].TrustScore)
	assert.Equal(t, 1.0, *entries[0].TrustScore)

	var recorded contracts.VerificationBundle
	require.NoError(t, entries[0].Decode(&recorded))
	assert.Equal(t, b.BundleID, recorded.BundleID)
	assert.Empty(t, recorded.LedgerEntryID)

	_, err = f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"pkg/a.go"}, "")
	assert.ErrorIs(t, err, contracts.ErrValidation, "one bundle per intent")
}

func TestBundleDeductions(t *testing.T) {
	f := newFixture(t)
	f.lint.result = contracts.LintResult{Passed: false, Errors: []string{"a.go:1: unused import"}}
	f.tests.result = contracts.TestResult{Passed: false, Total: 4, Failed: 1}
	f.policy.decide = func(req contracts.PolicyRequest) (contracts.PolicyDecision, error) {
		if req.Action == ActionCommitBundle && req.Payload["contract_violations"].(int) > 0 {
			return contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: "contract violations"}, nil
		}
		return contracts.PolicyDecision{Decision: contracts.DecisionAllow}, nil
	}

	intent, err := f.gk.SubmitIntent(context.Background(), contracts.IntentRequest{
		Description:     "swap models",
		Operation:       "modify_model",
		TargetResources: []string{"models/adapter.py"},
		RequestedBy:     "agent",
		ModelAdapters:   []string{"ranker", "ghost"},
	})
	require.NoError(t, err)
	_, err = f.gk.ApproveIntent(context.Background(), intent.IntentID, "operator")
	require.NoError(t, err)

	b, err := f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"models/adapter.py"}, "pytest")
	require.NoError(t, err)
	assert.False(t, b.LintPassed)
	assert.Equal(t, []string{"a.go:1: unused import"}, b.LintErrors)
	assert.Equal(t, 1, b.TestsFailed)
	assert.Equal(t, []string{"ghost: not reported by health source"}, b.ContractViolations)
	assert.InDelta(t, 1-0.3-0.1-0.1, b.TrustScore, 1e-9)
	assert.False(t, b.GovernanceApproved)
	assert.Equal(t, "contract violations", b.GovernanceReason)
	assert.False(t, b.Passed())
}

func TestBundleCollaboratorFailuresFailClosed(t *testing.T) {
	f := newFixture(t)
	f.lint.err = errors.New("linter crashed")
	f.tests.err = errors.New("runner unreachable")

	intent, err := f.gk.SubmitIntent(context.Background(), request("fix_bug", "a.go"))
	require.NoError(t, err)
	b, err := f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"a.go"}, "make test")
	require.NoError(t, err)

	assert.False(t, b.LintPassed)
	require.Len(t, b.LintErrors, 1)
	assert.Contains(t, b.LintErrors[0], "linter crashed")
	assert.Equal(t, 1, b.TestsRun)
	assert.Equal(t, 1, b.TestsFailed)
	assert.Contains(t, b.TestError, "runner unreachable")
	assert.InDelta(t, 0.3, b.TrustScore, 1e-9)
}

func TestBundleSkipsTestsWhenNotRequired(t *testing.T) {
	f := newFixture(t)
	intent, err := f.gk.SubmitIntent(context.Background(), request("add_docs", "README.md"))
	require.NoError(t, err)
	b, err := f.gk.CreateVerificationBundle(context.Background(), intent.IntentID, []string{"README.md"}, "go test ./...")
	require.NoError(t, err)
	assert.Zero(t, f.tests.calls)
	assert.Zero(t, b.TestsRun)
}

func TestVerifyModelContracts(t *testing.T) {
	f := newFixture(t)
	f.health["slow"] = contracts.HealthReport{Healthy: false}
	got := f.gk.VerifyModelContracts(context.Background(), []string{"slow", "ranker", "ghost", "ranker"})
	assert.Equal(t, []string{
		"ghost: not reported by health source",
		"slow: unhealthy",
	}, got)

	gk, err := New(f.ledger, nil, Collaborators{Policy: f.policy, Lint: f.lint, Tests: f.tests}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"ranker: no health source configured"}, gk.VerifyModelContracts(context.Background(), []string{"ranker"}))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, Collaborators{}, DefaultConfig())
	assert.Error(t, err)
	_, err = New(ledger.New(ledger.NewMemoryStore()), nil, Collaborators{Policy: &fakePolicy{}}, DefaultConfig())
	assert.Error(t, err)
}

func TestTrustScore(t *testing.T) {
	tests := []struct {
		name       string
		lint       bool
		run        int
		failed     int
		violations int
		want       float64
	}{
		{"clean", true, 10, 0, 0, 1},
		{"lint only", false, 0, 0, 0, 0.7},
		{"half tests", true, 10, 5, 0, 0.8},
		{"all tests", true, 3, 3, 0, 0.6},
		{"violations", true, 0, 0, 2, 0.8},
		{"floor", false, 1, 1, 9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrustScore(tt.lint, tt.run, tt.failed, tt.violations), 1e-9)
		})
	}
}
