package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/google/cel-go/cel"
)

// CELEngine implements the Engine interface using Google's Common
// Expression Language. Thread-safe: compiled programs are cached and
// reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL engine with a sandboxed environment.
// The environment exposes four top-level variables:
//   - inputs: map(string, dyn): the code action's resolved input
//   - steps:  map(string, dyn): recorded step outputs keyed by action name
//   - flow:   map(string, dyn): flow metadata (id, run_id, version_id)
//   - loop:   map(string, dyn): loop iteration variables (item, index)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("inputs", mapType),
		cel.Variable("steps", mapType),
		cel.Variable("flow", mapType),
		cel.Variable("loop", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and
// evaluates it against the provided data. The data map should contain
// keys matching the environment variables: inputs, steps, flow, loop.
func (e *CELEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL source")
	}

	prg, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	// Missing keys default to empty maps to avoid CEL runtime errors.
	activation := buildActivation(data)

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"CEL evaluation failed for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(source string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[source]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", source, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"source": source})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[source] = prg
	return prg, nil
}

func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 4)

	for _, key := range []string{"inputs", "steps", "flow", "loop"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

var _ Engine = (*CELEngine)(nil)
