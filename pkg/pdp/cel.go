package pdp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

type compiledRule struct {
	Rule
	prg cel.Program
}

// CELEngine evaluates CEL rules over (actor, action, resource, payload).
// A matching deny rule denies; otherwise a matching allow rule allows;
// otherwise the default verdict applies. Rule evaluation errors deny.
type CELEngine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []compiledRule
	def        contracts.Decision
	policyHash string
}

// NewCELEngine compiles rules. An empty default is treated as deny.
func NewCELEngine(rules []Rule, def contracts.Decision) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("actor", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("resource", types.StringType),
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	if def != contracts.DecisionAllow {
		def = contracts.DecisionDeny
	}
	e := &CELEngine{env: env, def: def}
	for _, r := range rules {
		if err := e.LoadRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadRule compiles and registers a rule, replacing any rule with the same id.
func (e *CELEngine) LoadRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("policy rule requires an id")
	}
	if r.Effect != contracts.DecisionAllow && r.Effect != contracts.DecisionDeny {
		return fmt.Errorf("policy rule %s: effect must be allow or deny", r.ID)
	}
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy %s compilation failed: %w", r.ID, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(types.BoolType) && !t.IsExactType(types.DynType) {
		return fmt.Errorf("policy %s must evaluate to bool, got %s", r.ID, t)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy %s program construction failed: %w", r.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	replaced := false
	for i := range e.rules {
		if e.rules[i].ID == r.ID {
			e.rules[i] = compiledRule{Rule: r, prg: prg}
			replaced = true
		}
	}
	if !replaced {
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	e.policyHash = e.computePolicyHash()
	return nil
}

func (e *CELEngine) computePolicyHash() string {
	defs := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		defs = append(defs, r.Rule)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	h, err := canonicalize.CanonicalHash(struct {
		Default contracts.Decision `json:"default"`
		Rules   []Rule             `json:"rules"`
	}{e.def, defs})
	if err != nil {
		return ""
	}
	return h
}

// PolicyHash returns a content hash of the active rule set.
func (e *CELEngine) PolicyHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policyHash
}

// Check implements contracts.PolicyEngine.
func (e *CELEngine) Check(ctx context.Context, req contracts.PolicyRequest) (contracts.PolicyDecision, error) {
	if err := ctx.Err(); err != nil {
		return contracts.PolicyDecision{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	input := map[string]any{
		"actor":    req.Actor,
		"action":   req.Action,
		"resource": req.Resource,
		"payload":  payload,
	}

	var allowedBy string
	for _, r := range e.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			if r.Effect == contracts.DecisionDeny {
				return e.decision(contracts.DecisionDeny, fmt.Sprintf("rule %s evaluation error: %v", r.ID, err), r.ID), nil
			}
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		if r.Effect == contracts.DecisionDeny {
			return e.decision(contracts.DecisionDeny, fmt.Sprintf("denied by rule %s", r.ID), r.ID), nil
		}
		if allowedBy == "" {
			allowedBy = r.ID
		}
	}
	if allowedBy != "" {
		return e.decision(contracts.DecisionAllow, fmt.Sprintf("allowed by rule %s", allowedBy), allowedBy), nil
	}
	return e.decision(e.def, fmt.Sprintf("no rule matched; default %s", e.def), "default"), nil
}

func (e *CELEngine) decision(d contracts.Decision, reason, ruleID string) contracts.PolicyDecision {
	return contracts.PolicyDecision{
		Decision:  d,
		Reason:    reason,
		PolicyRef: fmt.Sprintf("cel:%s#%s", e.policyHash, ruleID),
	}
}
