package gatekeeper

import (
	"context"
	"encoding/json"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/resiliency"
)

// Trust score deductions.
const (
	lintPenalty      = 0.3
	testPenalty      = 0.4
	violationPenalty = 0.1
)

// TrustScore starts at 1 and deducts for a failed lint, the failed share of
// tests and each contract violation. The result is clipped to [0, 1].
func TrustScore(lintPassed bool, testsRun, testsFailed, violations int) float64 {
	score := 1.0
	if !lintPassed {
		score -= lintPenalty
	}
	if testsRun > 0 || testsFailed > 0 {
		score -= testPenalty * float64(testsFailed) / float64(max(testsRun, 1))
	}
	score -= violationPenalty * float64(violations)
	return min(max(score, 0), 1)
}

// CreateVerificationBundle runs lint, tests and model-contract checks for an
// approved Intent, asks the policy engine for a final verdict and records
// the bundle in the ledger. Collaborator failures are recorded as failed
// checks. Only one bundle is created per Intent, and none while the actor is
// halted.
func (g *Gatekeeper) CreateVerificationBundle(ctx context.Context, intentID string, resources []string, testCommand string) (*contracts.VerificationBundle, error) {
	if err := g.checkHalted(); err != nil {
		return nil, err
	}
	intent, err := g.reserveBundle(intentID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			g.mu.Lock()
			delete(g.bundles, intentID)
			g.mu.Unlock()
		}
	}()

	bundle := &contracts.VerificationBundle{
		BundleID:         g.newID(),
		IntentID:         intentID,
		ResourcesChanged: append([]string(nil), resources...),
		CreatedAt:        g.clock().UTC(),
	}

	lint, err := resiliency.Call(ctx, g.lint, func(ctx context.Context) (contracts.LintResult, error) {
		return g.collab.Lint.Lint(ctx, resources)
	})
	if err != nil {
		bundle.LintPassed = false
		bundle.LintErrors = []string{err.Error()}
	} else {
		bundle.LintPassed = lint.Passed
		bundle.LintErrors = append([]string(nil), lint.Errors...)
	}

	if intent.RequiresTests && testCommand != "" {
		res, err := resiliency.Call(ctx, g.tests, func(ctx context.Context) (contracts.TestResult, error) {
			return g.collab.Tests.Run(ctx, testCommand, resources)
		})
		if err != nil {
			// An unfinished run counts every test as failed.
			n := max(res.Total, 1)
			bundle.TestsRun, bundle.TestsFailed = n, n
			bundle.TestError = err.Error()
		} else {
			failed := res.Failed
			if !res.Passed && failed == 0 {
				failed = 1
			}
			bundle.TestsRun = max(res.Total, failed)
			bundle.TestsFailed = failed
		}
	}

	bundle.ContractViolations = g.VerifyModelContracts(ctx, intent.ModelAdapters)
	bundle.TrustScore = TrustScore(bundle.LintPassed, bundle.TestsRun, bundle.TestsFailed, len(bundle.ContractViolations))

	decision, err := resiliency.Call(ctx, g.policy, func(ctx context.Context) (contracts.PolicyDecision, error) {
		return g.collab.Policy.Check(ctx, bundlePolicyRequest(intent, bundle))
	})
	if err != nil {
		decision = contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: err.Error()}
	}
	bundle.GovernanceApproved = decision.Allowed()
	bundle.GovernanceReason = decision.Reason

	payload, err := bundlePayload(bundle)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, "bundle", err)
	}
	entry, err := g.ledger.Append(ctx, contracts.EventVerificationBundle, intent.RequestedBy, joinResources(resources), payload,
		ledger.WithTrustScore(bundle.TrustScore),
		ledger.WithTier(intent.Tier),
	)
	if err != nil {
		return nil, err
	}
	bundle.LedgerEntryID = entry.EntryID

	g.mu.Lock()
	g.bundles[intentID] = bundle.BundleID
	g.mu.Unlock()
	committed = true

	if g.hooks != nil {
		g.hooks.BundleCreated(bundle.GovernanceApproved, bundle.TrustScore)
	}
	g.logger.Info("verification bundle recorded",
		"intent_id", intentID,
		"bundle_id", bundle.BundleID,
		"trust_score", bundle.TrustScore,
		"governance_approved", bundle.GovernanceApproved,
		"passed", bundle.Passed(),
	)
	return bundle, nil
}

// reserveBundle checks the precondition and marks the Intent as having a
// bundle under construction.
func (g *Gatekeeper) reserveBundle(intentID string) (*contracts.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentID]
	if !ok {
		return nil, contracts.NewError(contracts.KindNotFound, "intent", "intent %s not found", intentID)
	}
	if !intent.Approved {
		return nil, contracts.NewError(contracts.KindIntentNotApproved, "intent", "intent %s is pending approval", intentID)
	}
	if id, exists := g.bundles[intentID]; exists {
		if id == "" {
			return nil, contracts.NewError(contracts.KindValidation, "bundle", "a bundle for intent %s is already being created", intentID)
		}
		return nil, contracts.NewError(contracts.KindValidation, "bundle", "intent %s already has bundle %s", intentID, id)
	}
	g.bundles[intentID] = ""
	return intent.Clone(), nil
}

func bundlePolicyRequest(intent *contracts.Intent, b *contracts.VerificationBundle) contracts.PolicyRequest {
	return contracts.PolicyRequest{
		Actor:    intent.RequestedBy,
		Action:   ActionCommitBundle,
		Resource: joinResources(b.ResourcesChanged),
		Payload: map[string]any{
			"intent_id":           intent.IntentID,
			"operation":           string(intent.Operation),
			"tier":                int(intent.Tier),
			"lint_passed":         b.LintPassed,
			"tests_run":           b.TestsRun,
			"tests_failed":        b.TestsFailed,
			"contract_violations": len(b.ContractViolations),
			"trust_score":         b.TrustScore,
		},
	}
}

// bundlePayload is the bundle as a generic map, minus the ledger reference
// it cannot know before the append.
func bundlePayload(b *contracts.VerificationBundle) (map[string]any, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "ledger_entry_id")
	return m, nil
}
