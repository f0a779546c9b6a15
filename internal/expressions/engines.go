package expressions

import (
	"fmt"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Engines builds the full runtime set keyed by code runtime identifier.
func Engines() (map[schema.CodeRuntime]Engine, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel engine: %w", err)
	}

	return map[schema.CodeRuntime]Engine{
		schema.CodeRuntimeJS:   NewJSEngine(),
		schema.CodeRuntimeExpr: NewExprEngine(),
		schema.CodeRuntimeCEL:  celEngine,
		schema.CodeRuntimeJQ:   NewGoJQEngine(),
	}, nil
}
