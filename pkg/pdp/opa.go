package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

const defaultOPAPath = "/v1/data/steward/authz"

// OPAConfig configures the OPA adapter.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g., "http://localhost:8181").
	URL string `json:"url" yaml:"url"`
	// PolicyPath overrides the default decision path.
	PolicyPath string `json:"policy_path,omitempty" yaml:"policy_path,omitempty"`
	// Timeout sets the HTTP call timeout. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// PolicyVersion is a human-readable identifier for the policy bundle.
	PolicyVersion string `json:"policy_version,omitempty" yaml:"policy_version,omitempty"`
}

// OPAEngine asks a remote OPA server. Transport failures are returned as
// errors; a well-formed response without allow=true is a deny.
type OPAEngine struct {
	config OPAConfig
	client *http.Client
}

// NewOPAEngine creates an OPA-backed engine.
func NewOPAEngine(cfg OPAConfig) *OPAEngine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	return &OPAEngine{config: cfg, client: &http.Client{Timeout: timeout}}
}

type opaRequest struct {
	Input contracts.PolicyRequest `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Check implements contracts.PolicyEngine.
func (o *OPAEngine) Check(ctx context.Context, req contracts.PolicyRequest) (contracts.PolicyDecision, error) {
	payload, err := json.Marshal(opaRequest{Input: req})
	if err != nil {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: marshal input: %w", err)
	}

	url := o.config.URL + o.config.PolicyPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: read response: %w", err)
	}
	var out opaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return contracts.PolicyDecision{}, fmt.Errorf("opa: parse response: %w", err)
	}

	ref := fmt.Sprintf("opa:%s:%s", o.config.PolicyVersion, o.config.PolicyPath)
	if out.Result == nil {
		return contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: "policy returned no result", PolicyRef: ref}, nil
	}
	d := contracts.PolicyDecision{Decision: contracts.DecisionDeny, Reason: out.Result.Reason, PolicyRef: ref}
	if out.Result.Allow {
		d.Decision = contracts.DecisionAllow
	}
	if d.Reason == "" {
		d.Reason = string(d.Decision) + " by opa"
	}
	return d, nil
}
