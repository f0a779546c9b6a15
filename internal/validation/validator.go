package validation

import "github.com/conveyorhq/conveyor/pkg/schema"

// Validator checks flow versions for correctness before a run is accepted.
// Uses JSON Schema Draft 2020-12 for the document shape.
type Validator interface {
	ValidateFlow(fv *schema.FlowVersion) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// PieceLookup reports whether a piece name is known to the registry.
// May be nil to skip piece existence checks.
type PieceLookup interface {
	Has(pieceName string) bool
}
