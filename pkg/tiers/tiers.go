// Package tiers classifies intents into risk tiers. Classification is a pure
// function of operation, target resources and affected adapters.
package tiers

import (
	"path"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Config lists the operation sets and sensitive paths used by a Classifier.
type Config struct {
	Safe           []contracts.Operation `json:"safe" yaml:"safe"`
	Internal       []contracts.Operation `json:"internal" yaml:"internal"`
	Sensitive      []contracts.Operation `json:"sensitive" yaml:"sensitive"`
	SensitivePaths []string              `json:"sensitive_paths" yaml:"sensitive_paths"`
}

// DefaultConfig returns the built-in operation sets.
func DefaultConfig() Config {
	return Config{
		Safe: []contracts.Operation{
			contracts.OperationLint,
			contracts.OperationFormat,
			contracts.OperationAddDocs,
			contracts.OperationAddTests,
			contracts.OperationFixTypo,
		},
		Internal: []contracts.Operation{
			contracts.OperationRefactor,
			contracts.OperationAddFeature,
			contracts.OperationOptimize,
		},
		Sensitive: []contracts.Operation{
			contracts.OperationModifyGovernance,
			contracts.OperationModifySecurity,
			contracts.OperationModifyModel,
			contracts.OperationDeleteResource,
			contracts.OperationChangeDependency,
		},
		SensitivePaths: []string{"security/", "governance/", "auth/", "policies/"},
	}
}

// Classifier assigns tiers. It is immutable after construction and safe for
// concurrent use.
type Classifier struct {
	safe      map[contracts.Operation]struct{}
	internal  map[contracts.Operation]struct{}
	sensitive map[contracts.Operation]struct{}
	paths     []string
}

// New builds a Classifier from cfg.
func New(cfg Config) *Classifier {
	return &Classifier{
		safe:      toSet(cfg.Safe),
		internal:  toSet(cfg.Internal),
		sensitive: toSet(cfg.Sensitive),
		paths:     append([]string(nil), cfg.SensitivePaths...),
	}
}

func toSet(ops []contracts.Operation) map[contracts.Operation]struct{} {
	m := make(map[contracts.Operation]struct{}, len(ops))
	for _, op := range ops {
		m[op] = struct{}{}
	}
	return m
}

// Classify returns the tier for an intent. First match wins: sensitive
// operation, affected adapters or sensitive path yield Tier 3; then the
// internal and safe sets; anything else known is Tier 2. Unknown operations
// yield TierUnknown and must be rejected by the caller.
func (c *Classifier) Classify(op contracts.Operation, targets, adapters []string) contracts.Tier {
	if op == contracts.OperationUnknown {
		return contracts.TierUnknown
	}
	if _, ok := c.sensitive[op]; ok {
		return contracts.TierSensitive
	}
	if len(adapters) > 0 {
		return contracts.TierSensitive
	}
	for _, t := range targets {
		if c.SensitivePath(t) {
			return contracts.TierSensitive
		}
	}
	if _, ok := c.internal[op]; ok {
		return contracts.TierInternal
	}
	if _, ok := c.safe[op]; ok {
		return contracts.TierSafe
	}
	return contracts.TierInternal
}

// SensitivePath reports whether resource falls under a sensitive path.
// Patterns containing glob metacharacters are matched with path.Match;
// others match as a directory prefix at any depth.
func (c *Classifier) SensitivePath(resource string) bool {
	clean := path.Clean("/" + strings.ReplaceAll(resource, "\\", "/"))
	for _, p := range c.paths {
		if strings.ContainsAny(p, "*?[") {
			if ok, _ := path.Match(p, strings.TrimPrefix(clean, "/")); ok {
				return true
			}
			continue
		}
		needle := "/" + strings.Trim(p, "/")
		if clean == needle || strings.HasPrefix(clean, needle+"/") || strings.Contains(clean, needle+"/") {
			return true
		}
	}
	return false
}
