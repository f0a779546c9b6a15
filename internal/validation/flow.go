package validation

import "github.com/conveyorhq/conveyor/pkg/schema"

// FlowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (unique names, chain ownership, operator and kind membership)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	pieces     PieceLookup
}

// NewFlowValidator creates a FlowValidator.
// lookup may be nil to skip piece existence checks.
func NewFlowValidator(lookup PieceLookup) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		pieces:     lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the graph stage is skipped.
func (fv *FlowValidator) Validate(flow *schema.FlowVersion) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow version is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(fv.jsonSchema, flow)
	if !result.Valid() {
		return result
	}

	// Stage 2: Graph.
	result.Merge(validateGraph(flow, fv.pieces))
	return result
}

// ValidateFlow satisfies the Validator interface.
func (fv *FlowValidator) ValidateFlow(flow *schema.FlowVersion) error {
	return fv.Validate(flow).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (fv *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return fv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateFlow, converting its
// error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, flow *schema.FlowVersion) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateFlow(flow)
	if err == nil {
		return result
	}

	ferr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if ferr.Details != nil {
		if violations, ok := ferr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, ferr.Message)
	return result
}
