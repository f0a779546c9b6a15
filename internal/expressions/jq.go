package expressions

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/itchyny/gojq"
)

// GoJQEngine implements the Engine interface using GoJQ for JSON data
// transformation: filtering, reshaping, and aggregating step outputs.
// Thread-safe: compiled *Code objects are cached and reused.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// with the data map as the input JSON object. Integer inputs are
// normalized to float64 first, matching jq's number handling.
//
// jq expressions can produce multiple outputs: exactly one output is
// returned directly, multiple outputs are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, source string, data map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq source")
	}

	code, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	input, ok := normalizeForJQ(data).(map[string]any)
	if !ok {
		input = map[string]any{}
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecutor,
				"jq evaluation failed for %q: %s", source, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"source": source})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(source string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[source]; ok {
		return code, nil
	}

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[source] = code
	return code, nil
}

// normalizeForJQ converts Go native number types to float64, which is
// the only number type jq understands.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
