package contracts

import (
	"encoding/json"
	"fmt"
)

// Tier is the risk classification that selects an Intent's approval path.
type Tier int

const (
	TierUnknown   Tier = 0
	TierSafe      Tier = 1
	TierInternal  Tier = 2
	TierSensitive Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierInternal:
		return "internal"
	case TierSensitive:
		return "sensitive"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the three governed tiers.
func (t Tier) Valid() bool {
	return t >= TierSafe && t <= TierSensitive
}

// Operation is the closed set of operation kinds an actor may request.
// Strings that do not name a known kind parse to OperationUnknown and are
// rejected at submission.
type Operation string

const (
	OperationUnknown Operation = ""

	// Safe by default.
	OperationLint     Operation = "lint"
	OperationFormat   Operation = "format"
	OperationAddDocs  Operation = "add_docs"
	OperationAddTests Operation = "add_tests"
	OperationFixTypo  Operation = "fix_typo"

	// Internal by default.
	OperationRefactor   Operation = "refactor"
	OperationAddFeature Operation = "add_feature"
	OperationOptimize   Operation = "optimize"
	OperationFixBug     Operation = "fix_bug"

	// Sensitive by default.
	OperationModifyGovernance Operation = "modify_governance"
	OperationModifySecurity   Operation = "modify_security"
	OperationModifyModel      Operation = "modify_model"
	OperationDeleteResource   Operation = "delete_resource"
	OperationChangeDependency Operation = "change_dependency"
)

var knownOperations = map[Operation]struct{}{
	OperationLint:             {},
	OperationFormat:           {},
	OperationAddDocs:          {},
	OperationAddTests:         {},
	OperationFixTypo:          {},
	OperationRefactor:         {},
	OperationAddFeature:       {},
	OperationOptimize:         {},
	OperationFixBug:           {},
	OperationModifyGovernance: {},
	OperationModifySecurity:   {},
	OperationModifyModel:      {},
	OperationDeleteResource:   {},
	OperationChangeDependency: {},
}

// ParseOperation maps a string onto the closed operation set.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, ok := knownOperations[op]; !ok {
		return OperationUnknown, fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// KnownOperations lists all operation kinds.
func KnownOperations() []Operation {
	out := make([]Operation, 0, len(knownOperations))
	for op := range knownOperations {
		out = append(out, op)
	}
	return out
}

// EventType is the closed set of ledger event kinds.
type EventType string

const (
	EventUnknown EventType = ""

	EventIntentAutoApproved      EventType = "intent.auto_approved"
	EventIntentPolicyApproved    EventType = "intent.policy_approved"
	EventIntentPolicyDenied      EventType = "intent.policy_denied"
	EventIntentApprovalRequest   EventType = "intent.approval_requested"
	EventIntentApproved          EventType = "intent.approved"
	EventVerificationBundle      EventType = "verification.bundle"
	EventActionRecorded          EventType = "action.recorded"
	EventAuditCycleComplete      EventType = "audit.cycle_complete"
	EventActorHalted             EventType = "actor.halted"
	EventActorResumed            EventType = "actor.resumed"
	EventBaselineEstablished     EventType = "baseline.established"
	EventLedgerCompromiseCleared EventType = "ledger.compromise_cleared"
)

var knownEvents = map[EventType]struct{}{
	EventIntentAutoApproved:      {},
	EventIntentPolicyApproved:    {},
	EventIntentPolicyDenied:      {},
	EventIntentApprovalRequest:   {},
	EventIntentApproved:          {},
	EventVerificationBundle:      {},
	EventActionRecorded:          {},
	EventAuditCycleComplete:      {},
	EventActorHalted:             {},
	EventActorResumed:            {},
	EventBaselineEstablished:     {},
	EventLedgerCompromiseCleared: {},
}

// ParseEventType maps a string onto the closed event set.
func ParseEventType(s string) (EventType, error) {
	et := EventType(s)
	if _, ok := knownEvents[et]; !ok {
		return EventUnknown, fmt.Errorf("unknown event type %q", s)
	}
	return et, nil
}

// Known reports whether et is a recognised event kind.
func (et EventType) Known() bool {
	_, ok := knownEvents[et]
	return ok
}

// UnmarshalJSON rejects event kinds outside the closed set.
func (et *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}
