// Package baseline holds last-known-good metrics per monitored component and
// compares live health against them.
package baseline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Store keeps one Baseline per component. Establish overwrites.
type Store interface {
	Establish(ctx context.Context, b contracts.Baseline) error
	Get(ctx context.Context, componentID string) (contracts.Baseline, bool, error)
	List(ctx context.Context) ([]contracts.Baseline, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]contracts.Baseline
}

// NewMemoryStore creates an empty baseline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]contracts.Baseline)}
}

func (s *MemoryStore) Establish(_ context.Context, b contracts.Baseline) error {
	if b.ComponentID == "" {
		return contracts.NewError(contracts.KindValidation, "baseline.establish", "component_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[b.ComponentID] = b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, componentID string) (contracts.Baseline, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[componentID]
	return b, ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]contracts.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Baseline, 0, len(s.byID))
	for _, b := range s.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out, nil
}

// Thresholds bound acceptable movement away from a baseline.
type Thresholds struct {
	// LatencyRatio is the allowed |latency - baseline| as a fraction of baseline latency.
	LatencyRatio float64 `json:"latency_ratio" yaml:"latency_ratio"`
	// ErrorRateDelta is the allowed absolute change in error rate.
	ErrorRateDelta float64 `json:"error_rate_delta" yaml:"error_rate_delta"`
}

// DefaultThresholds returns 50% latency movement and 0.10 error-rate movement.
func DefaultThresholds() Thresholds {
	return Thresholds{LatencyRatio: 0.5, ErrorRateDelta: 0.10}
}

// Compare reports a drift finding when current exceeds either threshold.
// The bool is false when current is within bounds.
func Compare(b contracts.Baseline, current contracts.Metrics, th Thresholds) (contracts.DriftFinding, bool) {
	var reasons []string
	if d := math.Abs(current.Latency - b.Metrics.Latency); d > th.LatencyRatio*b.Metrics.Latency {
		reasons = append(reasons, fmt.Sprintf("latency %.4g vs baseline %.4g", current.Latency, b.Metrics.Latency))
	}
	if d := math.Abs(current.ErrorRate - b.Metrics.ErrorRate); d > th.ErrorRateDelta {
		reasons = append(reasons, fmt.Sprintf("error_rate %.4g vs baseline %.4g", current.ErrorRate, b.Metrics.ErrorRate))
	}
	if len(reasons) == 0 {
		return contracts.DriftFinding{}, false
	}
	reason := reasons[0]
	if len(reasons) > 1 {
		reason += "; " + reasons[1]
	}
	return contracts.DriftFinding{
		Component: b.ComponentID,
		Reason:    reason,
		Latency:   current.Latency,
		ErrorRate: current.ErrorRate,
	}, true
}
