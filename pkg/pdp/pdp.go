// Package pdp provides Policy Engine backends.
//
// Every engine renders allow/deny as a normal result. Errors are reserved for
// the engine being unable to answer, which callers treat as a failed check.
package pdp

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Backend identifies the policy engine.
type Backend string

const (
	BackendCEL    Backend = "cel"
	BackendStatic Backend = "static"
	BackendOPA    Backend = "opa"
)

// Rule is one CEL policy statement. Deny rules win over allow rules.
type Rule struct {
	ID         string             `json:"id" yaml:"id"`
	Effect     contracts.Decision `json:"effect" yaml:"effect"`
	Expression string             `json:"expr" yaml:"expr"`
}

// Config selects and configures a policy engine.
type Config struct {
	Backend Backend            `json:"backend" yaml:"backend"`
	Default contracts.Decision `json:"default" yaml:"default"`
	Rules   []Rule             `json:"rules" yaml:"rules"`
	// Actions maps action names to fixed verdicts for the static backend.
	Actions map[string]contracts.Decision `json:"actions,omitempty" yaml:"actions,omitempty"`
	OPA     OPAConfig                     `json:"opa,omitempty" yaml:"opa,omitempty"`
}

// DefaultConfig allows everything not denied by a rule, so tier 2 intents
// are governed by the configured rules alone.
func DefaultConfig() Config {
	return Config{
		Backend: BackendCEL,
		Default: contracts.DecisionAllow,
		Rules: []Rule{
			{
				ID:         "deny-bundles-with-violations",
				Effect:     contracts.DecisionDeny,
				Expression: `action == "verification_bundle.commit" && int(payload.contract_violations) > 0`,
			},
		},
	}
}

// New builds the engine selected by cfg.
func New(cfg Config) (contracts.PolicyEngine, error) {
	switch cfg.Backend {
	case "", BackendCEL:
		return NewCELEngine(cfg.Rules, cfg.Default)
	case BackendStatic:
		return NewStaticEngine(cfg.Default, cfg.Actions), nil
	case BackendOPA:
		if cfg.OPA.URL == "" {
			return nil, fmt.Errorf("pdp: opa backend requires a url")
		}
		return NewOPAEngine(cfg.OPA), nil
	default:
		return nil, fmt.Errorf("pdp: unknown backend %q", cfg.Backend)
	}
}

// ComputeDecisionHash produces a deterministic digest binding a verdict to
// its request, suitable for recording in the ledger.
func ComputeDecisionHash(req contracts.PolicyRequest, d contracts.PolicyDecision) (string, error) {
	hashInput := struct {
		Actor     string             `json:"actor"`
		Action    string             `json:"action"`
		Resource  string             `json:"resource"`
		Payload   map[string]any     `json:"payload"`
		Decision  contracts.Decision `json:"decision"`
		Reason    string             `json:"reason"`
		PolicyRef string             `json:"policy_ref"`
	}{req.Actor, req.Action, req.Resource, req.Payload, d.Decision, d.Reason, d.PolicyRef}

	h, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}
	return h, nil
}

const defaultTimeout = 5 * time.Second
