package engine

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// executeCode resolves the action's input templates and evaluates its
// source under the configured runtime. The evaluation result is the
// action's output.
func (it *Interpreter) executeCode(ctx context.Context, action *schema.Action, rc *expressions.RunContext) (*dispatchResult, error) {
	settings := action.Code
	if settings == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"code action %q has no settings", action.Name).WithAction(action.Name)
	}

	runtime := settings.Runtime
	if runtime == "" {
		runtime = schema.CodeRuntimeJS
	}
	engine, ok := it.engines[runtime]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"code action %q uses unknown runtime %q", action.Name, string(runtime)).WithAction(action.Name)
	}

	scope := rc.Scope()
	input, err := it.resolver.ResolveMap(ctx, settings.Input, scope)
	if err != nil {
		return nil, err
	}

	output, err := engine.Evaluate(ctx, settings.Source, codeEnvironment(input, scope))
	if err != nil {
		return nil, err
	}
	return &dispatchResult{output: output}, nil
}

// codeEnvironment builds the data the runtimes see: the resolved input
// plus read-only views of the run so far.
func codeEnvironment(input map[string]any, scope *expressions.Scope) map[string]any {
	steps := make(map[string]any, len(scope.Steps))
	for name, out := range scope.Steps {
		steps[name] = out.Output
	}

	env := map[string]any{
		"inputs": input,
		"steps":  steps,
		"flow":   scope.Flow,
	}
	if scope.Loop != nil {
		env["loop"] = map[string]any{
			"item":  scope.Loop.Item,
			"index": scope.Loop.Index,
		}
	}
	if input == nil {
		env["inputs"] = map[string]any{}
	}
	return env
}
