package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validIntent() IntentRequest {
	return IntentRequest{
		Description:     "Refactor the retry helper",
		Operation:       "refactor",
		TargetResources: []string{"pkg/retry/retry.go"},
		RequestedBy:     "agent",
	}
}

func TestValidateIntentRequest(t *testing.T) {
	assert.NoError(t, ValidateIntentRequest(validIntent()))

	cases := map[string]func(*IntentRequest){
		"empty description": func(r *IntentRequest) { r.Description = "" },
		"no targets":        func(r *IntentRequest) { r.TargetResources = nil },
		"empty target":      func(r *IntentRequest) { r.TargetResources = []string{""} },
		"no requester":      func(r *IntentRequest) { r.RequestedBy = "" },
		"bad pattern":       func(r *IntentRequest) { r.Operation = "Refactor!" },
		"unknown operation": func(r *IntentRequest) { r.Operation = "rewrite_history" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validIntent()
			mutate(&req)
			err := ValidateIntentRequest(req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidateActionReport(t *testing.T) {
	rep := ActionReport{
		ActionType:       "edit",
		IntentID:         "intent-1",
		ResourcesTouched: []string{"a.go"},
		TestsRun:         4,
		TestsPassed:      4,
		Actor:            "agent",
	}
	assert.NoError(t, ValidateActionReport(rep))

	untouched := rep
	untouched.ResourcesTouched = nil
	assert.NoError(t, ValidateActionReport(untouched), "no resources is an empty list")

	missing := rep
	missing.IntentID = ""
	assert.ErrorIs(t, ValidateActionReport(missing), ErrValidation)

	negative := rep
	negative.SizeDelta = SizeDelta{Added: -1}
	assert.ErrorIs(t, ValidateActionReport(negative), ErrValidation)

	overcount := rep
	overcount.TestsPassed = 5
	err := ValidateActionReport(overcount)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "tests_passed", err.(*GovernanceError).Check)
}
