package contracts

import "time"

// SizeDelta counts units added and removed by an action (lines, records, ...).
type SizeDelta struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// ActionReport is what the actor submits after performing an approved Intent.
type ActionReport struct {
	ActionType         string    `json:"action_type"`
	IntentID           string    `json:"intent_id"`
	ResourcesTouched   []string  `json:"resources_touched"`
	Components         []string  `json:"components,omitempty"`
	ModelAdapters      []string  `json:"model_adapters,omitempty"`
	SizeDelta          SizeDelta `json:"size_delta"`
	TestsRun           int       `json:"tests_run"`
	TestsPassed        int       `json:"tests_passed"`
	VerificationPassed bool      `json:"verification_passed"`
	Actor              string    `json:"actor"`
}

// Action is a recorded, completed unit of work.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Action struct {
	ActionID           string    `json:"action_id"`
	ActionType         string    `json:"action_type"`
	IntentID           string    `json:"intent_id"`
	Actor              string    `json:"actor"`
	ResourcesTouched   []string  `json:"resources_touched"`
	Components         []string  `json:"components,omitempty"`
	ModelAdapters      []string  `json:"model_adapters,omitempty"`
	SizeDelta          SizeDelta `json:"size_delta"`
	TestsRun           int       `json:"tests_run"`
	TestsPassed        int       `json:"tests_passed"`
	VerificationPassed bool      `json:"verification_passed"`
	LedgerEntryID      string    `json:"ledger_entry_id"`
	CycleNumber        uint64    `json:"cycle_number"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// CycleState is the lifecycle position of a Cycle.
type CycleState string

const (
	CycleOpen     CycleState = "open"
	CycleAuditing CycleState = "auditing"
	CycleArchived CycleState = "archived"
)

// CycleMetrics aggregates the actions of one Cycle.
type CycleMetrics struct {
	Actions              int `json:"actions"`
	ResourcesTouched     int `json:"resources_touched"`
	UnitsAdded           int `json:"units_added"`
	UnitsRemoved         int `json:"units_removed"`
	TestsRun             int `json:"tests_run"`
	TestsPassed          int `json:"tests_passed"`
	VerificationFailures int `json:"verification_failures"`
}

// AnomalyFinding is one heuristic hit against a touched resource.
type AnomalyFinding struct {
	Resource  string `json:"resource"`
	Heuristic string `json:"heuristic"`
	Count     int    `json:"count"`
	Detail    string `json:"detail,omitempty"`
}

// DriftFinding is one component that moved away from its baseline.
type DriftFinding struct {
	Component string  `json:"component"`
	Reason    string  `json:"reason"`
	Latency   float64 `json:"latency,omitempty"`
	ErrorRate float64 `json:"error_rate,omitempty"`
}

// Cycle is a batch of up to N actions awaiting audit.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Cycle struct {
	CycleID            string           `json:"cycle_id"`
	CycleNumber        uint64           `json:"cycle_number"`
	State              CycleState       `json:"state"`
	Actions            []Action         `json:"actions"`
	Metrics            CycleMetrics     `json:"metrics"`
	RegressionPassed   bool             `json:"regression_passed"`
	RegressionOutput   string           `json:"regression_output,omitempty"`
	DriftOK            bool             `json:"drift_ok"`
	Drift              []DriftFinding   `json:"drift,omitempty"`
	AnomalyDetected    bool             `json:"anomaly_detected"`
	Anomalies          []AnomalyFinding `json:"anomalies,omitempty"`
	Retrospective      string           `json:"retrospective,omitempty"`
	Reviewed           bool             `json:"reviewed"`
	ReviewNote         string           `json:"review_note,omitempty"`
	ApprovedToContinue bool             `json:"approved_to_continue"`
	OpenedAt           time.Time        `json:"opened_at"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
	LedgerEntryID      string           `json:"ledger_entry_id,omitempty"`
}

// Clone returns a copy that shares no mutable slices with c.
func (c *Cycle) Clone() *Cycle {
	out := *c
	out.Actions = append([]Action(nil), c.Actions...)
	out.Drift = append([]DriftFinding(nil), c.Drift...)
	out.Anomalies = append([]AnomalyFinding(nil), c.Anomalies...)
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}

// CycleStatus is the point-in-time view returned to orchestrators.
type CycleStatus struct {
	CycleID        string     `json:"cycle_id"`
	CycleNumber    uint64     `json:"cycle_number"`
	State          CycleState `json:"state"`
	ActionsInCycle int        `json:"actions_in_cycle"`
	SinceLastAudit int        `json:"since_last_audit"`
	Threshold      int        `json:"threshold"`
	Halted         bool       `json:"halted"`
	HaltReason     string     `json:"halt_reason,omitempty"`
	AuditsRun      int        `json:"audits_run"`
	LastAudit      *Cycle     `json:"last_audit,omitempty"`
}
