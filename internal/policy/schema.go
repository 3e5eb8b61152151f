package policy

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the JSON Schema applied to inbound policy documents
// before they are decoded. Structural failures are caught here; semantic
// rules (weight sums, threshold ordering) live in Policy.Validate.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tenant_id", "weights", "thresholds", "discount_caps", "decay", "bands", "dedupe", "cascade"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "weights": {
      "type": "object",
      "required": ["likelihood", "impact", "confidence", "freshness", "evidence_quality", "svi", "sei", "bci", "eri"],
      "additionalProperties": {"type": "number", "minimum": 0}
    },
    "thresholds": {
      "type": "object",
      "required": ["auto_approve", "pending", "suppress"],
      "additionalProperties": {"type": "number"}
    },
    "discount_caps": {
      "type": "object",
      "required": ["total"],
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "decay": {
      "type": "object",
      "required": ["svi_hours", "sei_hours", "bci_hours", "eri_hours"],
      "additionalProperties": {"type": "number", "exclusiveMinimum": 0}
    },
    "factor_caps": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 100}
    },
    "type_multipliers": {
      "type": "object",
      "additionalProperties": {"type": "number", "exclusiveMinimum": 0}
    },
    "bands": {
      "type": "object",
      "required": ["critical", "high", "medium"],
      "additionalProperties": {"type": "number"}
    },
    "dedupe": {
      "type": "object",
      "required": ["similarity_threshold", "window_hours"],
      "additionalProperties": {"type": "number"}
    },
    "cascade": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": {"type": "string", "enum": ["max", "weighted_sum", "prob_or"]}
      }
    }
  }
}`

var compiledSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("policy: invalid embedded schema: %v", err))
	}
	compiledSchema = schema
}

// ValidateDocument checks a raw JSON policy document against the schema.
func ValidateDocument(raw []byte) error {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Field: "document", Message: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &ValidationError{Field: first.Field(), Message: first.Description()}
	}
	return nil
}
