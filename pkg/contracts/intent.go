package contracts

import "time"

// IntentRequest is the caller-supplied body of a submission.
type IntentRequest struct {
	Description     string         `json:"description"`
	Operation       string         `json:"operation"`
	TargetResources []string       `json:"target_resources"`
	RequestedBy     string         `json:"requested_by"`
	ModelAdapters   []string       `json:"model_adapters_affected,omitempty"`
	RequiresTests   *bool          `json:"requires_tests,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// Intent is a request to perform an action, tracked from submission to approval.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Intent struct {
	IntentID        string         `json:"intent_id"`
	Description     string         `json:"description"`
	Operation       Operation      `json:"operation"`
	TargetResources []string       `json:"target_resources"`
	Tier            Tier           `json:"tier"`
	RequestedBy     string         `json:"requested_by"`
	Approved        bool           `json:"approved"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	ModelAdapters   []string       `json:"model_adapters_affected,omitempty"`
	RequiresTests   bool           `json:"requires_tests"`
	Context         map[string]any `json:"context,omitempty"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	PendingReason   string         `json:"pending_reason,omitempty"`
	LedgerEntryID   string         `json:"ledger_entry_id,omitempty"`
}

// Clone returns a deep enough copy for callers outside the gatekeeper.
func (i *Intent) Clone() *Intent {
	c := *i
	c.TargetResources = append([]string(nil), i.TargetResources...)
	c.ModelAdapters = append([]string(nil), i.ModelAdapters...)
	if i.ApprovedAt != nil {
		at := *i.ApprovedAt
		c.ApprovedAt = &at
	}
	if i.Context != nil {
		c.Context = make(map[string]any, len(i.Context))
		for k, v := range i.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// VerificationBundle is the composite pre-commit verification result for an Intent.
// It is immutable once returned.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type VerificationBundle struct {
	BundleID           string    `json:"bundle_id"`
	IntentID           string    `json:"intent_id"`
	ResourcesChanged   []string  `json:"resources_changed"`
	LintPassed         bool      `json:"lint_passed"`
	LintErrors         []string  `json:"lint_errors,omitempty"`
	TestsRun           int       `json:"tests_run"`
	TestsFailed        int       `json:"tests_failed"`
	TestError          string    `json:"test_error,omitempty"`
	ContractViolations []string  `json:"contract_violations,omitempty"`
	TrustScore         float64   `json:"trust_score"`
	GovernanceApproved bool      `json:"governance_approved"`
	GovernanceReason   string    `json:"governance_reason,omitempty"`
	LedgerEntryID      string    `json:"ledger_entry_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// Passed reports whether every check in the bundle succeeded.
func (b *VerificationBundle) Passed() bool {
	return b.LintPassed && b.TestsFailed == 0 && len(b.ContractViolations) == 0 && b.GovernanceApproved
}
