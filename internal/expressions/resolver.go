package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Scope holds all data available for variable resolution.
type Scope struct {
	Steps map[string]schema.StepOutput // action name -> recorded output
	Flow  map[string]any               // flow metadata (id, run_id, version_id)
	Loop  *LoopVars                    // loop iteration variables (nil outside a loop)
}

// ConnectionResolver resolves connections.<key> references. Backed by
// the secrets vault in production.
type ConnectionResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Resolver substitutes ${{...}} references in strings, nested maps, and
// lists. It is pure: resolution never mutates the scope, and an unknown
// action name or missing path is an error, never a silent empty string.
type Resolver struct {
	connections ConnectionResolver
}

// NewResolver creates a Resolver with an optional connection backend.
// Without one, connections.* references fail closed.
func NewResolver(connections ConnectionResolver) *Resolver {
	return &Resolver{connections: connections}
}

// ResolveValue resolves every token inside a value tree. Strings that are
// exactly one token keep the referenced value's type; strings with
// embedded tokens stringify each resolved value in place.
func (r *Resolver) ResolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves every token inside a string-keyed map.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]any, scope *Scope) (map[string]any, error) {
	resolved, err := r.ResolveValue(ctx, m, scope)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return resolved.(map[string]any), nil
}

// ResolveString resolves tokens in a single string. A string consisting
// of exactly one ${{...}} token returns the referenced value unchanged;
// anything else returns a string with tokens stringified inline.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if expr, ok := wholeToken(s); ok {
		return r.resolveExpr(ctx, expr, scope)
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeResolution, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeResolution, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeResolution,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := r.resolveExpr(ctx, expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// wholeToken reports whether s is exactly one ${{...}} token and returns
// the inner expression.
func wholeToken(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "${{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[3 : len(trimmed)-2]
	if strings.Contains(inner, "}}") || strings.Contains(inner, "${{") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// resolveExpr resolves a single reference like "steps.fetch.output.url".
func (r *Resolver) resolveExpr(ctx context.Context, expr string, scope *Scope) (any, error) {
	namespace, _, _ := strings.Cut(expr, ".")

	switch namespace {
	case "steps":
		return r.resolveSteps(expr, scope)
	case "flow":
		return r.resolveFlow(expr, scope)
	case "loop":
		return r.resolveLoop(expr, scope)
	case "connections":
		return r.resolveConnection(ctx, expr)
	default:
		available := []string{"steps", "flow", "loop", "connections"}
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<name>.output[.<field>...] references.
func (r *Resolver) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, name, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid step reference %q: expected steps.<name>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	name := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid step reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	out, ok := scope.Steps[name]
	if !ok {
		available := stepNames(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"action %q not found in ${{%s}}; available actions: [%s]", name, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_actions": available})
	}

	if len(parts) == 3 {
		return out.Output, nil
	}
	return traversePath(out.Output, parts[3], expr)
}

// resolveFlow resolves flow.<field> references (id, run_id, version_id).
func (r *Resolver) resolveFlow(expr string, scope *Scope) (any, error) {
	_, field, ok := strings.Cut(expr, ".")
	if !ok || field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid flow reference %q: expected flow.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Flow == nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"cannot resolve %q: flow scope is empty", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	if val, ok := scope.Flow[field]; ok {
		return val, nil
	}
	return traversePath(scope.Flow, field, expr)
}

// resolveLoop resolves loop.item[.<field>] and loop.index references.
func (r *Resolver) resolveLoop(expr string, scope *Scope) (any, error) {
	_, field, ok := strings.Cut(expr, ".")
	if !ok || field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid loop reference %q: expected loop.item or loop.index", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Loop == nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"loop variable %q referenced outside of a loop iteration", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	switch {
	case field == "item":
		return scope.Loop.Item, nil
	case field == "index":
		return scope.Loop.Index, nil
	case strings.HasPrefix(field, "item."):
		return traversePath(scope.Loop.Item, strings.TrimPrefix(field, "item."), expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"unknown loop field %q in ${{%s}}; available: item, index", field, expr).
			WithDetails(map[string]any{"expression": expr, "available_fields": []string{"item", "index"}})
	}
}

// resolveConnection resolves connections.<key> via the configured backend.
func (r *Resolver) resolveConnection(ctx context.Context, expr string) (any, error) {
	_, key, ok := strings.Cut(expr, ".")
	if !ok || key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid connection reference %q: expected connections.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if r.connections == nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"cannot resolve connection %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := r.connections.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"failed to resolve connection %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := obj[seg]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}

	return current, nil
}

// stringify embeds a resolved value into a surrounding string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasToken reports whether a string contains any ${{...}} reference.
func HasToken(s string) bool {
	return strings.Contains(s, "${{")
}

func stepNames(steps map[string]schema.StepOutput) []string {
	keys := make([]string, 0, len(steps))
	for k := range steps {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
