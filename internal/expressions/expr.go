package expressions

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It
// covers deterministic logic: let bindings, array operations, string
// operations, nil coalescing, optional chaining, pipe chaining.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and
// evaluates it against the provided data. The data map is injected as
// the expression environment, making all keys top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr source")
	}

	prg, err := e.getOrCompile(source, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"expr evaluation failed for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(source string, data map[string]any) (*vm.Program, error) {
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

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(source,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[source] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
