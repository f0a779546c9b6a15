package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// flowSchemaJSON is the JSON Schema for flow version documents.
// Embedded as a constant to avoid filesystem dependencies.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyorhq.dev/schemas/flow.json",
  "type": "object",
  "required": ["id", "flowId", "state"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "flowId": { "type": "string", "minLength": 1 },
    "displayName": { "type": "string" },
    "state": { "type": "string", "enum": ["DRAFT", "LOCKED"] },
    "root": { "$ref": "#/$defs/action" }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "required": ["name", "kind"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z0-9_-]+$"
        },
        "displayName": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["CODE", "BRANCH", "LOOP_ON_ITEMS", "PIECE"]
        },
        "valid": { "type": "boolean" },
        "code": { "$ref": "#/$defs/code" },
        "branch": { "$ref": "#/$defs/branch" },
        "loop": { "$ref": "#/$defs/loop" },
        "piece": { "$ref": "#/$defs/piece" },
        "errorHandling": { "$ref": "#/$defs/error_handling" },
        "next": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "code": {
      "type": "object",
      "required": ["source"],
      "properties": {
        "runtime": {
          "type": "string",
          "enum": ["js", "expr", "cel", "jq"]
        },
        "source": { "type": "string", "minLength": 1 },
        "input": { "type": "object" }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["conditionGroups"],
      "properties": {
        "conditionGroups": {
          "type": "array",
          "items": {
            "type": "array",
            "items": { "$ref": "#/$defs/condition" }
          }
        },
        "onSuccessAction": { "$ref": "#/$defs/action" },
        "onFailureAction": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["operator", "firstValue"],
      "properties": {
        "operator": {
          "type": "string",
          "enum": [
            "TEXT_CONTAINS", "TEXT_DOES_NOT_CONTAIN", "TEXT_EXACTLY_MATCHES",
            "TEXT_STARTS_WITH", "TEXT_ENDS_WITH",
            "NUMBER_IS_GREATER_THAN", "NUMBER_IS_LESS_THAN",
            "BOOLEAN_IS_TRUE", "BOOLEAN_IS_FALSE",
            "EXISTS", "DOES_NOT_EXIST"
          ]
        },
        "firstValue": { "type": "string" },
        "secondValue": { "type": "string" },
        "caseSensitive": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["items"],
      "properties": {
        "items": { "type": "string", "minLength": 1 },
        "firstLoopAction": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "piece": {
      "type": "object",
      "required": ["pieceName", "actionName"],
      "properties": {
        "pieceName": { "type": "string", "minLength": 1 },
        "pieceVersion": { "type": "string" },
        "actionName": { "type": "string", "minLength": 1 },
        "input": { "type": "object" }
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "continueOnFailure": { "type": "boolean" },
        "retryOnFailure": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the flow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource("https://conveyorhq.dev/schemas/flow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}

	flowSchema, err := c.Compile("https://conveyorhq.dev/schemas/flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema: flowSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateFlow validates a flow version document against the flow JSON Schema.
func (v *JSONSchemaValidator) ValidateFlow(fv *schema.FlowVersion) error {
	if fv == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow version is nil")
	}

	doc, err := toJSONValue(fv)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow version").WithCause(err)
	}

	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("conveyor://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// per-violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
