package contracts

import "context"

// Decision is a Policy Engine verdict.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PolicyRequest is the input to a policy check.
type PolicyRequest struct {
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PolicyDecision is the output of a policy check. A deny is a normal result,
// never an error.
type PolicyDecision struct {
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason"`
	PolicyRef string   `json:"policy_ref,omitempty"`
}

// Allowed reports whether the verdict is allow.
func (d PolicyDecision) Allowed() bool { return d.Decision == DecisionAllow }

// PolicyEngine renders allow/deny verdicts.
type PolicyEngine interface {
	Check(ctx context.Context, req PolicyRequest) (PolicyDecision, error)
}

// LintResult is the outcome of a lint pass.
type LintResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// LintRunner lints a set of resources. Identical inputs yield identical results.
type LintRunner interface {
	Lint(ctx context.Context, resources []string) (LintResult, error)
}

// TestResult is the outcome of a test run.
type TestResult struct {
	Passed bool   `json:"passed"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
	Output string `json:"output,omitempty"`
}

// TestRunner executes a test command. Resources scope the run when the
// runner supports it.
type TestRunner interface {
	Run(ctx context.Context, command string, resources []string) (TestResult, error)
}

// HealthSource reports per-component health. An unknown component is
// reported with Found=false rather than an error.
type HealthSource interface {
	Health(ctx context.Context, componentID string) (HealthReport, error)
}

// Notifier publishes fire-and-forget events. Failures never roll back
// a ledger append.
type Notifier interface {
	Publish(ctx context.Context, eventType EventType, payload map[string]any) error
}
