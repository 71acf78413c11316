package pdp

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// StaticEngine answers from a fixed action table.
type StaticEngine struct {
	def     contracts.Decision
	actions map[string]contracts.Decision
}

// NewStaticEngine creates an engine returning actions[action] or def.
func NewStaticEngine(def contracts.Decision, actions map[string]contracts.Decision) *StaticEngine {
	if def != contracts.DecisionAllow {
		def = contracts.DecisionDeny
	}
	table := make(map[string]contracts.Decision, len(actions))
	for k, v := range actions {
		table[k] = v
	}
	return &StaticEngine{def: def, actions: table}
}

// Check implements contracts.PolicyEngine.
func (s *StaticEngine) Check(ctx context.Context, req contracts.PolicyRequest) (contracts.PolicyDecision, error) {
	if err := ctx.Err(); err != nil {
		return contracts.PolicyDecision{}, err
	}
	if d, ok := s.actions[req.Action]; ok {
		if d != contracts.DecisionAllow {
			d = contracts.DecisionDeny
		}
		return contracts.PolicyDecision{Decision: d, Reason: fmt.Sprintf("static %s for %s", d, req.Action), PolicyRef: "static:" + req.Action}, nil
	}
	return contracts.PolicyDecision{Decision: s.def, Reason: fmt.Sprintf("static default %s", s.def), PolicyRef: "static:default"}, nil
}
