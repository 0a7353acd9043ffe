package intent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blugreen/forge/internal/errs"
)

// captureSchema constrains the shape of an inbound intent payload. Field
// completeness is checked separately at validation time; the schema only
// rejects structurally invalid captures (bad types, unknown enum values).
const captureSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"intent_type":      {"type": "string", "enum": ["create", "evolve", "understand"]},
		"product_name":     {"type": "string", "maxLength": 200},
		"business_goal":    {"type": "string", "maxLength": 2000},
		"target_audience":  {"type": "string", "maxLength": 2000},
		"success_criteria": {"type": "string", "maxLength": 2000},
		"constraints":      {"type": "string", "maxLength": 2000},
		"risk_level":       {"type": "string", "enum": ["", "low", "medium", "high"]}
	},
	"required": ["intent_type"],
	"additionalProperties": false
}`

var compiledCaptureSchema = jsonschema.MustCompileString("capture.json", captureSchema)

// ValidatePayload checks a capture against the intent schema.
func ValidatePayload(c Capture) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errs.Wrap(errs.CodeInvalidIntent, "encode intent payload", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errs.Wrap(errs.CodeInvalidIntent, "decode intent payload", err)
	}
	if err := compiledCaptureSchema.Validate(doc); err != nil {
		msg := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			msg = strings.TrimSpace(ve.Message)
			for _, cause := range ve.Causes {
				msg = strings.TrimSpace(cause.Message)
				break
			}
		}
		return errs.Newf(errs.CodeInvalidIntent, "invalid intent payload: %s", msg)
	}
	return nil
}
