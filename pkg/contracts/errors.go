package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies governance failures.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindPolicyDenied        ErrorKind = "POLICY_DENIED"
	KindIntentNotApproved   ErrorKind = "INTENT_NOT_APPROVED"
	KindActorHalted         ErrorKind = "ACTOR_HALTED"
	KindAuditRequired       ErrorKind = "AUDIT_REQUIRED"
	KindChainCompromised    ErrorKind = "CHAIN_COMPROMISED"
	KindPersistence         ErrorKind = "PERSISTENCE_ERROR"
	KindCollaboratorTimeout ErrorKind = "COLLABORATOR_TIMEOUT"
	KindCollaboratorError   ErrorKind = "COLLABORATOR_ERROR"
	KindNotFound            ErrorKind = "NOT_FOUND"
)

// GovernanceError is the structured rejection returned by every core operation.
type GovernanceError struct {
	Kind   ErrorKind
	Check  string // which check or collaborator produced the failure
	Reason string
	Err    error
}

func (e *GovernanceError) Error() string {
	msg := string(e.Kind)
	if e.Check != "" {
		msg += " [" + e.Check + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GovernanceError) Unwrap() error { return e.Err }

// Is matches any GovernanceError of the same kind, so callers can write
// errors.Is(err, contracts.ErrActorHalted).
func (e *GovernanceError) Is(target error) bool {
	var t *GovernanceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &GovernanceError{Kind: KindValidation}
	ErrPolicyDenied        = &GovernanceError{Kind: KindPolicyDenied}
	ErrIntentNotApproved   = &GovernanceError{Kind: KindIntentNotApproved}
	ErrActorHalted         = &GovernanceError{Kind: KindActorHalted}
	ErrAuditRequired       = &GovernanceError{Kind: KindAuditRequired}
	ErrChainCompromised    = &GovernanceError{Kind: KindChainCompromised}
	ErrPersistence         = &GovernanceError{Kind: KindPersistence}
	ErrCollaboratorTimeout = &GovernanceError{Kind: KindCollaboratorTimeout}
	ErrCollaboratorError   = &GovernanceError{Kind: KindCollaboratorError}
	ErrNotFound            = &GovernanceError{Kind: KindNotFound}
)

// NewError builds a GovernanceError.
func NewError(kind ErrorKind, check, format string, args ...any) *GovernanceError {
	return &GovernanceError{Kind: kind, Check: check, Reason: fmt.Sprintf(format, args...)}
}

// WrapError builds a GovernanceError around a cause.
func WrapError(kind ErrorKind, check string, err error) *GovernanceError {
	return &GovernanceError{Kind: kind, Check: check, Err: err}
}

// KindOf extracts the kind of a governance error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var ge *GovernanceError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
