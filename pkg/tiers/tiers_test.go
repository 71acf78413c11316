package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

func TestClassify(t *testing.T) {
	c := tiers.New(tiers.DefaultConfig())

	tests := []struct {
		name     string
		op       contracts.Operation
		targets  []string
		adapters []string
		expected contracts.Tier
	}{
		{"safe operation", contracts.OperationFixTypo, []string{"a.py"}, nil, contracts.TierSafe},
		{"internal operation", contracts.OperationRefactor, []string{"pkg/x.go"}, nil, contracts.TierInternal},
		{"sensitive operation", contracts.OperationModifyGovernance, []string{"a.py"}, nil, contracts.TierSensitive},
		{"adapters force sensitive", contracts.OperationLint, []string{"a.py"}, []string{"model-a"}, contracts.TierSensitive},
		{"sensitive top-level path", contracts.OperationFixTypo, []string{"security/keys.py"}, nil, contracts.TierSensitive},
		{"sensitive nested path", contracts.OperationAddDocs, []string{"src/governance/rules.py"}, nil, contracts.TierSensitive},
		{"lookalike path is not sensitive", contracts.OperationAddDocs, []string{"src/mysecurity/notes.md"}, nil, contracts.TierSafe},
		{"unlisted known op defaults internal", contracts.OperationFixBug, []string{"a.py"}, nil, contracts.TierInternal},
		{"unknown op", contracts.OperationUnknown, []string{"a.py"}, nil, contracts.TierUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Classify(tt.op, tt.targets, tt.adapters))
		})
	}
}

func TestSensitiveOperationWinsOverSafePath(t *testing.T) {
	cfg := tiers.DefaultConfig()
	cfg.Safe = append(cfg.Safe, contracts.OperationDeleteResource)
	c := tiers.New(cfg)
	assert.Equal(t, contracts.TierSensitive, c.Classify(contracts.OperationDeleteResource, []string{"docs/readme.md"}, nil))
}

func TestGlobSensitivePath(t *testing.T) {
	cfg := tiers.DefaultConfig()
	cfg.SensitivePaths = []string{"*.pem", "deploy/*.yaml"}
	c := tiers.New(cfg)
	assert.True(t, c.SensitivePath("server.pem"))
	assert.True(t, c.SensitivePath("deploy/prod.yaml"))
	assert.False(t, c.SensitivePath("deploy/nested/prod.yaml"))
	assert.False(t, c.SensitivePath("security/x.go"))
}
