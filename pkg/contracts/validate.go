package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const intentRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["description", "operation", "target_resources", "requested_by"],
  "properties": {
    "description": {"type": "string", "minLength": 1, "maxLength": 4096},
    "operation": {"type": "string", "minLength": 1, "pattern": "^[a-z_]+$"},
    "target_resources": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "requested_by": {"type": "string", "minLength": 1},
    "model_adapters_affected": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "requires_tests": {"type": "boolean"},
    "context": {"type": "object"}
  }
}`

const actionReportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_type", "intent_id", "resources_touched", "actor"],
  "properties": {
    "action_type": {"type": "string", "minLength": 1},
    "intent_id": {"type": "string", "minLength": 1},
    "resources_touched": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "components": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "model_adapters": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "size_delta": {
      "type": "object",
      "properties": {
        "added": {"type": "integer", "minimum": 0},
        "removed": {"type": "integer", "minimum": 0}
      }
    },
    "tests_run": {"type": "integer", "minimum": 0},
    "tests_passed": {"type": "integer", "minimum": 0},
    "verification_passed": {"type": "boolean"},
    "actor": {"type": "string", "minLength": 1}
  }
}`

var (
	schemasOnce sync.Once
	schemasErr  error
	intentSch   *jsonschema.Schema
	actionSch   *jsonschema.Schema
)

func compileSchemas() {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://steward.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		return c.Compile(url)
	}
	intentSch, schemasErr = compile("intent_request", intentRequestSchema)
	if schemasErr != nil {
		return
	}
	actionSch, schemasErr = compile("action_report", actionReportSchema)
}

// ValidateIntentRequest rejects malformed submissions with a ValidationError.
func ValidateIntentRequest(req IntentRequest) error {
	if err := validateAgainst(func() *jsonschema.Schema { return intentSch }, "intent_request", req); err != nil {
		return err
	}
	if _, err := ParseOperation(req.Operation); err != nil {
		return &GovernanceError{Kind: KindValidation, Check: "operation", Reason: err.Error()}
	}
	return nil
}

// ValidateActionReport rejects malformed action reports with a ValidationError.
func ValidateActionReport(rep ActionReport) error {
	if rep.ResourcesTouched == nil {
		rep.ResourcesTouched = []string{}
	}
	if err := validateAgainst(func() *jsonschema.Schema { return actionSch }, "action_report", rep); err != nil {
		return err
	}
	if rep.TestsPassed > rep.TestsRun {
		return NewError(KindValidation, "tests_passed", "tests_passed (%d) exceeds tests_run (%d)", rep.TestsPassed, rep.TestsRun)
	}
	return nil
}

func validateAgainst(schema func() *jsonschema.Schema, name string, v any) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return WrapError(KindValidation, name, schemasErr)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return WrapError(KindValidation, name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return WrapError(KindValidation, name, err)
	}

	if err := schema().Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return NewError(KindValidation, name, "%s", flattenValidation(ve))
		}
		return WrapError(KindValidation, name, err)
	}
	return nil
}

// flattenValidation renders the leaf causes of a schema failure on one line.
func flattenValidation(ve *jsonschema.ValidationError) string {
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
