package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// HTTPHealthSource reads GET {BaseURL}/health/{component}. A 404 reports the
// component as not found.
type HTTPHealthSource struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPHealthSource creates a health source with the given per-request timeout.
func NewHTTPHealthSource(baseURL string, timeout time.Duration) *HTTPHealthSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPHealthSource{BaseURL: strings.TrimSuffix(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type healthResponse struct {
	Healthy   bool    `json:"healthy"`
	Latency   float64 `json:"latency"`
	ErrorRate float64 `json:"error_rate"`
}

// Health implements contracts.HealthSource.
func (h *HTTPHealthSource) Health(ctx context.Context, componentID string) (contracts.HealthReport, error) {
	endpoint := h.BaseURL + "/health/" + url.PathEscape(componentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return contracts.HealthReport{}, fmt.Errorf("health: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return contracts.HealthReport{}, fmt.Errorf("health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return contracts.HealthReport{ComponentID: componentID, Found: false}, nil
	default:
		return contracts.HealthReport{}, fmt.Errorf("health: http %d for %s", resp.StatusCode, componentID)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return contracts.HealthReport{}, fmt.Errorf("health: read: %w", err)
	}
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return contracts.HealthReport{}, fmt.Errorf("health: decode: %w", err)
	}
	return contracts.HealthReport{
		ComponentID: componentID,
		Healthy:     hr.Healthy,
		Found:       true,
		Metrics:     contracts.Metrics{Latency: hr.Latency, ErrorRate: hr.ErrorRate},
	}, nil
}
