package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// OperationAudit is the SLO operation fed by completed audits.
const OperationAudit = "audit"

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	WindowHours int           `json:"window_hours"`
}

// DefaultAuditSLO expects audits to finish within ten minutes and to approve
// continuation nine times out of ten over a day.
func DefaultAuditSLO() *SLOTarget {
	return &SLOTarget{
		SLOID:       "slo-audit",
		Name:        "Audit latency and approval rate",
		Operation:   OperationAudit,
		LatencyP99:  10 * time.Minute,
		SuccessRate: 0.9,
		WindowHours: 24,
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means the budget runs out early
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker keeps windowed observations per operation. Observations older
// than the operation's window are pruned on Record.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with no targets.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the SLO target for target.Operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = now
	}
	kept := t.observations[obs.Operation]
	if target, ok := t.targets[obs.Operation]; ok {
		kept = inWindow(kept, now, target.WindowHours)
	}
	t.observations[obs.Operation] = append(kept, obs)
}

func inWindow(obs []SLOObservation, now time.Time, hours int) []SLOObservation {
	start := now.Add(-time.Duration(hours) * time.Hour)
	out := obs[:0]
	for _, o := range obs {
		if o.Timestamp.After(start) {
			out = append(out, o)
		}
	}
	return out
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowed := inWindow(append([]SLOObservation(nil), t.observations[operation]...), t.clock(), target.WindowHours)
	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
