// Package gatekeeper decides whether an Intent may proceed and computes the
// verification bundle that closes it out.
//
// Submission classifies the Intent into a tier and routes it:
//
//	tier 1  auto-approved and logged as intent.auto_approved
//	tier 2  approved only when the policy engine allows it
//	tier 3  filed with the policy engine as advisory and left pending until
//	        ApproveIntent is called by someone other than the requester
//
// No lock is held while a collaborator is being called.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/resiliency"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

// ActionCommitBundle is the policy action checked before a bundle is recorded.
const ActionCommitBundle = "verification_bundle.commit"

// HaltGate reports whether the supervised actor is halted.
type HaltGate interface {
	Halted() (bool, string)
}

// Hooks observes gatekeeper outcomes.
type Hooks interface {
	IntentSubmitted(tier contracts.Tier, approved bool)
	IntentApproved(tier contracts.Tier)
	BundleCreated(governanceApproved bool, trustScore float64)
}

// Collaborators are the external systems the gatekeeper consults.
// Health may be nil, in which case every affected adapter is a violation.
type Collaborators struct {
	Policy contracts.PolicyEngine
	Lint   contracts.LintRunner
	Tests  contracts.TestRunner
	Health contracts.HealthSource
}

// Config sets call policies per collaborator.
type Config struct {
	Policy resiliency.Policy
	Lint   resiliency.Policy
	Tests  resiliency.Policy
	Health resiliency.Policy
}

// DefaultConfig returns the default call policies.
func DefaultConfig() Config {
	policy := resiliency.DefaultPolicy()
	policy.Timeout = 5 * time.Second

	lint := resiliency.DefaultPolicy()
	lint.Timeout = 60 * time.Second

	tests := resiliency.DefaultPolicy()
	tests.Timeout = 10 * time.Minute

	health := resiliency.DefaultPolicy()
	health.Timeout = 5 * time.Second

	return Config{Policy: policy, Lint: lint, Tests: tests, Health: health}
}

// Gatekeeper owns the set of known Intents.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Gatekeeper struct {
	mu      sync.Mutex
	intents map[string]*contracts.Intent
	bundles map[string]string // intent id -> bundle id, or "" while one is being built
	halt    HaltGate
	ledger  *ledger.Ledger
	tiers   *tiers.Classifier
	collab  Collaborators
	policy  *resiliency.Caller
	lint    *resiliency.Caller
	tests   *resiliency.Caller
	health  *resiliency.Caller
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	hooks   Hooks
}

// New creates a Gatekeeper. Policy, Lint and Tests are required.
func New(l *ledger.Ledger, classifier *tiers.Classifier, collab Collaborators, cfg Config) (*Gatekeeper, error) {
	if l == nil {
		return nil, errors.New("gatekeeper: ledger is required")
	}
	if collab.Policy == nil || collab.Lint == nil || collab.Tests == nil {
		return nil, errors.New("gatekeeper: policy, lint and test collaborators are required")
	}
	if classifier == nil {
		classifier = tiers.New(tiers.DefaultConfig())
	}
	return &Gatekeeper{
		intents: make(map[string]*contracts.Intent),
		bundles: make(map[string]string),
		ledger:  l,
		tiers:   classifier,
		collab:  collab,
		policy:  resiliency.NewCaller("policy", cfg.Policy),
		lint:    resiliency.NewCaller("lint", cfg.Lint),
		tests:   resiliency.NewCaller("tests", cfg.Tests),
		health:  resiliency.NewCaller("health", cfg.Health),
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default().With("component", "gatekeeper"),
	}, nil
}

// WithClock overrides the clock for testing.
func (g *Gatekeeper) WithClock(clock func() time.Time) *Gatekeeper {
	g.clock = clock
	return g
}

// WithIDGenerator overrides intent and bundle id generation.
func (g *Gatekeeper) WithIDGenerator(fn func() string) *Gatekeeper {
	g.newID = fn
	return g
}

// WithLogger sets the logger.
func (g *Gatekeeper) WithLogger(logger *slog.Logger) *Gatekeeper {
	g.logger = logger
	return g
}

// WithHooks registers outcome hooks.
func (g *Gatekeeper) WithHooks(h Hooks) *Gatekeeper {
	g.hooks = h
	return g
}

// WithHaltGate connects the actor's halt flag to submission.
func (g *Gatekeeper) WithHaltGate(h HaltGate) *Gatekeeper {
	g.mu.Lock()
	g.halt = h
	g.mu.Unlock()
	return g
}

// WithSleep overrides the retry backoff sleep of every collaborator caller.
func (g *Gatekeeper) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Gatekeeper {
	for _, c := range []*resiliency.Caller{g.policy, g.lint, g.tests, g.health} {
		c.WithSleep(fn)
	}
	return g
}

func (g *Gatekeeper) checkHalted() error {
	g.mu.Lock()
	h := g.halt
	g.mu.Unlock()
	if h == nil {
		return nil
	}
	if halted, reason := h.Halted(); halted {
		return contracts.NewError(contracts.KindActorHalted, "audit", "%s", reason)
	}
	return nil
}

// Classify returns the tier an operation would receive.
func (g *Gatekeeper) Classify(op contracts.Operation, targets, adapters []string) contracts.Tier {
	return g.tiers.Classify(op, targets, adapters)
}

// SubmitIntent validates, classifies and routes a request.
//
// A tier 2 denial returns the pending Intent together with a PolicyDenied
// error so the caller can see both the id and the reason.
func (g *Gatekeeper) SubmitIntent(ctx context.Context, req contracts.IntentRequest) (*contracts.Intent, error) {
	if err := contracts.ValidateIntentRequest(req); err != nil {
		return nil, err
	}
	if err := g.checkHalted(); err != nil {
		return nil, err
	}

	op, _ := contracts.ParseOperation(req.Operation)
	tier := g.tiers.Classify(op, req.TargetResources, req.ModelAdapters)
	if !tier.Valid() {
		return nil, contracts.NewError(contracts.KindValidation, "tier", "operation %q has no tier", req.Operation)
	}

	requiresTests := tier != contracts.TierSafe
	if req.RequiresTests != nil {
		requiresTests = *req.RequiresTests
	}
	intent := &contracts.Intent{
		IntentID:        g.newID(),
		Description:     req.Description,
		Operation:       op,
		TargetResources: append([]string(nil), req.TargetResources...),
		Tier:            tier,
		RequestedBy:     req.RequestedBy,
		ModelAdapters:   append([]string(nil), req.ModelAdapters...),
		RequiresTests:   requiresTests,
		Context:         req.Context,
		SubmittedAt:     g.clock().UTC(),
	}

	var routeErr error
	switch tier {
	case contracts.TierSafe:
		routeErr = g.routeSafe(ctx, intent)
	case contracts.TierInternal:
		routeErr = g.routeInternal(ctx, intent)
	case contracts.TierSensitive:
		routeErr = g.routeSensitive(ctx, intent)
	}
	if routeErr != nil && intent.LedgerEntryID == "" {
		// Nothing was logged, so the intent does not exist.
		return nil, routeErr
	}

	g.mu.Lock()
	g.intents[intent.IntentID] = intent
	out := intent.Clone()
	g.mu.Unlock()

	if g.hooks != nil {
		g.hooks.IntentSubmitted(tier, intent.Approved)
	}
	g.logger.Info("intent submitted",
		"intent_id", intent.IntentID,
		"operation", op,
		"tier", int(tier),
		"approved", intent.Approved,
		"requested_by", intent.RequestedBy,
	)
	return out, routeErr
}

func (g *Gatekeeper) routeSafe(ctx context.Context, intent *contracts.Intent) error {
	now := g.clock().UTC()
	intent.Approved = true
	intent.ApprovedBy = "auto"
	intent.ApprovedAt = &now
	entry, err := g.logIntent(ctx, contracts.EventIntentAutoApproved, intent, nil)
	if err != nil {
		return err
	}
	intent.LedgerEntryID = entry.EntryID
	return nil
}

func (g *Gatekeeper) routeInternal(ctx context.Context, intent *contracts.Intent) error {
	decision, err := resiliency.Call(ctx, g.policy, func(ctx context.Context) (contracts.PolicyDecision, error) {
		return g.collab.Policy.Check(ctx, intentPolicyRequest(intent))
	})
	if err != nil {
		// Fail closed: an unreachable engine is a denial.
		decision = contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: err.Error()}
	}

	if decision.Allowed() {
		now := g.clock().UTC()
		intent.Approved = true
		intent.ApprovedBy = "policy"
		intent.ApprovedAt = &now
		entry, lerr := g.logIntent(ctx, contracts.EventIntentPolicyApproved, intent, &decision)
		if lerr != nil {
			return lerr
		}
		intent.LedgerEntryID = entry.EntryID
		return nil
	}

	intent.PendingReason = decision.Reason
	entry, lerr := g.logIntent(ctx, contracts.EventIntentPolicyDenied, intent, &decision)
	if lerr != nil {
		return lerr
	}
	intent.LedgerEntryID = entry.EntryID
	if err != nil {
		return err
	}
	return &contracts.GovernanceError{Kind: contracts.KindPolicyDenied, Check: "policy", Reason: decision.Reason}
}

func (g *Gatekeeper) routeSensitive(ctx context.Context, intent *contracts.Intent) error {
	// The engine's answer is recorded but never approves a tier 3 intent.
	decision, err := resiliency.Call(ctx, g.policy, func(ctx context.Context) (contracts.PolicyDecision, error) {
		return g.collab.Policy.Check(ctx, intentPolicyRequest(intent))
	})
	if err != nil {
		g.logger.Warn("advisory policy request failed", "intent_id", intent.IntentID, "error", err)
		decision = contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: err.Error()}
	}
	intent.PendingReason = "awaiting explicit approval"
	entry, lerr := g.logIntent(ctx, contracts.EventIntentApprovalRequest, intent, &decision)
	if lerr != nil {
		return lerr
	}
	intent.LedgerEntryID = entry.EntryID
	return nil
}

func (g *Gatekeeper) logIntent(ctx context.Context, ev contracts.EventType, intent *contracts.Intent, decision *contracts.PolicyDecision) (ledger.Entry, error) {
	payload := map[string]any{
		"intent_id":        intent.IntentID,
		"description":      intent.Description,
		"operation":        string(intent.Operation),
		"target_resources": intent.TargetResources,
		"tier":             int(intent.Tier),
		"requires_tests":   intent.RequiresTests,
	}
	if len(intent.ModelAdapters) > 0 {
		payload["model_adapters_affected"] = intent.ModelAdapters
	}
	if intent.ApprovedBy != "" {
		payload["approved_by"] = intent.ApprovedBy
	}
	if decision != nil {
		payload["policy_decision"] = string(decision.Decision)
		payload["policy_reason"] = decision.Reason
		if decision.PolicyRef != "" {
			payload["policy_ref"] = decision.PolicyRef
		}
	}
	return g.ledger.Append(ctx, ev, intent.RequestedBy, joinResources(intent.TargetResources), payload, ledger.WithTier(intent.Tier))
}

func intentPolicyRequest(intent *contracts.Intent) contracts.PolicyRequest {
	payload := map[string]any{
		"intent_id":        intent.IntentID,
		"description":      intent.Description,
		"tier":             int(intent.Tier),
		"target_resources": intent.TargetResources,
		"model_adapters":   intent.ModelAdapters,
	}
	if intent.Context != nil {
		payload["context"] = intent.Context
	}
	return contracts.PolicyRequest{
		Actor:    intent.RequestedBy,
		Action:   string(intent.Operation),
		Resource: joinResources(intent.TargetResources),
		Payload:  payload,
	}
}

// ApproveIntent approves a pending tier 3 Intent. The approver must not be
// the requester.
func (g *Gatekeeper) ApproveIntent(ctx context.Context, intentID, approver string) (*contracts.Intent, error) {
	if approver == "" {
		return nil, contracts.NewError(contracts.KindValidation, "approver", "approver is required")
	}

	// The ledger append is held under the lock so two approvers cannot both win.
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return nil, contracts.NewError(contracts.KindNotFound, "intent", "intent %s not found", intentID)
	}
	if intent.Approved {
		return nil, contracts.NewError(contracts.KindValidation, "intent", "intent %s is already approved", intentID)
	}
	if intent.Tier != contracts.TierSensitive {
		return nil, contracts.NewError(contracts.KindValidation, "intent", "intent %s is tier %d; only tier 3 intents take explicit approval", intentID, intent.Tier)
	}
	if approver == intent.RequestedBy {
		return nil, contracts.NewError(contracts.KindPolicyDenied, "four_eyes", "%s cannot approve their own intent", approver)
	}

	approved := intent.Clone()
	now := g.clock().UTC()
	approved.Approved = true
	approved.ApprovedBy = approver
	approved.ApprovedAt = &now
	approved.PendingReason = ""

	entry, err := g.ledger.Append(ctx, contracts.EventIntentApproved, approver, joinResources(approved.TargetResources), map[string]any{
		"intent_id":    approved.IntentID,
		"requested_by": approved.RequestedBy,
		"operation":    string(approved.Operation),
		"tier":         int(approved.Tier),
	}, ledger.WithTier(approved.Tier))
	if err != nil {
		return nil, err
	}
	approved.LedgerEntryID = entry.EntryID
	g.intents[intentID] = approved

	if g.hooks != nil {
		g.hooks.IntentApproved(approved.Tier)
	}
	g.logger.Info("intent approved", "intent_id", intentID, "approver", approver)
	return approved.Clone(), nil
}

// GetIntent returns a copy of a known Intent.
func (g *Gatekeeper) GetIntent(intentID string) (*contracts.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, contracts.NewError(contracts.KindNotFound, "intent", "intent %s not found", intentID)
	}
	return intent.Clone(), nil
}

// PendingIntents lists unapproved Intents, oldest first.
func (g *Gatekeeper) PendingIntents() []*contracts.Intent {
	g.mu.Lock()
	out := make([]*contracts.Intent, 0)
	for _, intent := range g.intents {
		if !intent.Approved {
			out = append(out, intent.Clone())
		}
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].IntentID < out[j].IntentID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// VerifyModelContracts asks the health source about each adapter and
// returns one violation per adapter that is unhealthy, unknown or unreachable.
func (g *Gatekeeper) VerifyModelContracts(ctx context.Context, adapters []string) []string {
	var violations []string
	for _, adapter := range uniqueSorted(adapters) {
		if g.collab.Health == nil {
			violations = append(violations, fmt.Sprintf("%s: no health source configured", adapter))
			continue
		}
		report, err := resiliency.Call(ctx, g.health, func(ctx context.Context) (contracts.HealthReport, error) {
			return g.collab.Health.Health(ctx, adapter)
		})
		switch {
		case err != nil:
			violations = append(violations, fmt.Sprintf("%s: health check failed: %v", adapter, err))
		case !report.Found:
			violations = append(violations, fmt.Sprintf("%s: not reported by health source", adapter))
		case !report.Healthy:
			violations = append(violations, fmt.Sprintf("%s: unhealthy", adapter))
		}
	}
	return violations
}

func joinResources(resources []string) string {
	return strings.Join(resources, ",")
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
