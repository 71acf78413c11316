package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/steward/pkg/auditloop"
	"github.com/Mindburn-Labs/steward/pkg/baseline"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/gatekeeper"
	"github.com/Mindburn-Labs/steward/pkg/pdp"
	"github.com/Mindburn-Labs/steward/pkg/resiliency"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

// SupportedProfileVersions is the semver range LoadProfile accepts.
const SupportedProfileVersions = ">=1.0.0, <2.0.0"

// Profile is the YAML governance profile.
type Profile struct {
	Version  string                   `yaml:"version" json:"version"`
	Audit    AuditProfile             `yaml:"audit" json:"audit"`
	Tiers    tiers.Config             `yaml:"tiers" json:"tiers"`
	Drift    baseline.Thresholds      `yaml:"drift" json:"drift"`
	Timeouts TimeoutProfile           `yaml:"timeouts" json:"timeouts"`
	Retry    resiliency.BackoffPolicy `yaml:"retry" json:"retry"`
	Policy   pdp.Config               `yaml:"policy" json:"policy"`
}

// AuditProfile tunes the audit loop.
type AuditProfile struct {
	Threshold         int    `yaml:"threshold" json:"threshold"`
	HistoryLimit      int    `yaml:"history_limit" json:"history_limit"`
	RegressionCommand string `yaml:"regression_command" json:"regression_command"`
}

// TimeoutProfile bounds each collaborator call. Values are Go durations ("5s").
type TimeoutProfile struct {
	Policy time.Duration `yaml:"policy" json:"policy"`
	Lint   time.Duration `yaml:"lint" json:"lint"`
	Test   time.Duration `yaml:"test" json:"test"`
	Health time.Duration `yaml:"health" json:"health"`
	Review time.Duration `yaml:"review" json:"review"`
}

// DefaultProfile returns the built-in governance defaults.
func DefaultProfile() *Profile {
	gk := gatekeeper.DefaultConfig()
	al := auditloop.DefaultConfig()
	return &Profile{
		Version: "1.0.0",
		Audit: AuditProfile{
			Threshold:         al.Threshold,
			HistoryLimit:      al.HistoryLimit,
			RegressionCommand: al.RegressionCommand,
		},
		Tiers: tiers.DefaultConfig(),
		Drift: baseline.DefaultThresholds(),
		Timeouts: TimeoutProfile{
			Policy: gk.Policy.Timeout,
			Lint:   gk.Lint.Timeout,
			Test:   gk.Tests.Timeout,
			Health: gk.Health.Timeout,
			Review: al.Review.Timeout,
		},
		Retry:  resiliency.DefaultBackoff(),
		Policy: pdp.DefaultConfig(),
	}
}

// LoadProfile reads a profile file. Fields absent from the file keep their
// defaults; unknown fields are rejected.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and validates profile YAML.
func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, contracts.WrapError(contracts.KindValidation, "profile", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the version gate and value ranges.
func (p *Profile) Validate() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return contracts.NewError(contracts.KindValidation, "profile.version", "invalid version %q: %v", p.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return fmt.Errorf("profile version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return contracts.NewError(contracts.KindValidation, "profile.version", "version %s does not satisfy %s", v, SupportedProfileVersions)
	}

	if p.Audit.Threshold < 1 {
		return contracts.NewError(contracts.KindValidation, "audit.threshold", "must be at least 1, got %d", p.Audit.Threshold)
	}
	if p.Audit.HistoryLimit < 0 {
		return contracts.NewError(contracts.KindValidation, "audit.history_limit", "must not be negative")
	}
	if p.Drift.LatencyRatio < 0 || p.Drift.ErrorRateDelta < 0 {
		return contracts.NewError(contracts.KindValidation, "drift", "thresholds must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"policy": p.Timeouts.Policy,
		"lint":   p.Timeouts.Lint,
		"test":   p.Timeouts.Test,
		"health": p.Timeouts.Health,
		"review": p.Timeouts.Review,
	} {
		if d <= 0 {
			return contracts.NewError(contracts.KindValidation, "timeouts."+name, "must be positive")
		}
	}
	if p.Retry.BaseMs < 0 || p.Retry.MaxMs < p.Retry.BaseMs || p.Retry.MaxJitterMs < 0 {
		return contracts.NewError(contracts.KindValidation, "retry", "invalid backoff %+v", p.Retry)
	}

	for _, set := range [][]contracts.Operation{p.Tiers.Safe, p.Tiers.Internal, p.Tiers.Sensitive} {
		for _, op := range set {
			if _, err := contracts.ParseOperation(string(op)); err != nil {
				return contracts.WrapError(contracts.KindValidation, "tiers", err)
			}
		}
	}
	return nil
}

func (p *Profile) policy(timeout time.Duration) resiliency.Policy {
	rp := resiliency.DefaultPolicy()
	rp.Timeout = timeout
	rp.Backoff = p.Retry
	return rp
}

// GatekeeperConfig maps the profile onto gatekeeper call policies.
func (p *Profile) GatekeeperConfig() gatekeeper.Config {
	return gatekeeper.Config{
		Policy: p.policy(p.Timeouts.Policy),
		Lint:   p.policy(p.Timeouts.Lint),
		Tests:  p.policy(p.Timeouts.Test),
		Health: p.policy(p.Timeouts.Health),
	}
}

// AuditLoopConfig maps the profile onto the audit loop.
func (p *Profile) AuditLoopConfig() auditloop.Config {
	return auditloop.Config{
		Threshold:         p.Audit.Threshold,
		HistoryLimit:      p.Audit.HistoryLimit,
		RegressionCommand: p.Audit.RegressionCommand,
		Drift:             p.Drift,
		Tests:             p.policy(p.Timeouts.Test),
		Health:            p.policy(p.Timeouts.Health),
		Review:            p.policy(p.Timeouts.Review),
	}
}
