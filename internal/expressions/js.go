package expressions

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/dop251/goja"
)

// JSEngine implements the Engine interface using goja, the default
// runtime for code actions. Each evaluation gets a fresh sandboxed VM
// (goja runtimes are not safe for concurrent use); compiled programs
// are cached and shared, which is safe.
type JSEngine struct {
	mu    sync.RWMutex
	cache map[string]*goja.Program
}

// NewJSEngine creates a new JavaScript engine.
func NewJSEngine() *JSEngine {
	return &JSEngine{
		cache: make(map[string]*goja.Program),
	}
}

// Name returns the engine identifier.
func (e *JSEngine) Name() string {
	return "js"
}

// Evaluate runs the script with every data key exposed as a global
// variable. The script's completion value is the result; scripts that
// only compile with a top-level return are wrapped in a function body
// first. Cancelling the context interrupts the VM.
func (e *JSEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty js source")
	}

	prg, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for key, val := range data {
		if err := vm.Set(key, val); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecutor,
				"js environment setup failed for %q: %s", key, err.Error()).WithCause(err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunProgram(prg)
	if err != nil {
		if intr, ok := err.(*goja.InterruptedError); ok {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled,
				"js execution interrupted: %v", intr.Value()).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"js evaluation failed: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *JSEngine) getOrCompile(source string) (*goja.Program, error) {
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

	prg, err := goja.Compile("code_action", source, true)
	if err != nil {
		// Top-level return is invalid script syntax; retry inside an IIFE,
		// which makes it legal while keeping the return value as the
		// completion value. Sources that compile as-is are never wrapped,
		// so an expression's own value survives untouched.
		wrapped, werr := goja.Compile("code_action", "(function() {\n"+source+"\n})()", true)
		if werr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"js compile error: %s", err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"source": source})
		}
		prg = wrapped
	}

	e.cache[source] = prg
	return prg, nil
}

var _ Engine = (*JSEngine)(nil)
