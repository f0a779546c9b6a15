package expressions

import (
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// RunContext is the append-only record of a run. It enforces:
//   - Step outputs are frozen on insert (deep-copied).
//   - Write-once: a second write under the same action name is rejected.
//   - Loop iterations get child contexts with their own write scope, so
//     the same body action name can record once per iteration.
//
// Lookups fall through from a child to its parent, so an iteration sees
// everything recorded before the loop started. Reads are safe while a
// progress reporter inspects the context from another goroutine; the
// interpreter itself writes from a single thread.
type RunContext struct {
	mu     sync.RWMutex
	steps  map[string]schema.StepOutput
	flow   map[string]any
	parent *RunContext

	// loop holds the current iteration's variables. nil outside a loop.
	loop *LoopVars
}

// LoopVars holds the scoped variables for a single loop iteration.
type LoopVars struct {
	Item  any
	Index int
}

// NewRunContext creates a root RunContext seeded with flow metadata
// (id, run_id, version_id). The metadata map is deep-copied.
func NewRunContext(flow map[string]any) *RunContext {
	return &RunContext{
		steps: make(map[string]schema.StepOutput),
		flow:  deepCopyMap(flow),
	}
}

// RecordStepOutput registers a completed action's output under its name.
// The output is frozen at insertion time. A duplicate name within the
// same scope is rejected: outputs are immutable once recorded.
func (rc *RunContext) RecordStepOutput(name string, out schema.StepOutput) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, exists := rc.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeResolution,
			"action %q output already recorded; outputs are immutable within a run", name)
	}

	out.Output = deepCopyAny(out.Output)
	rc.steps[name] = out
	return nil
}

// StepOutput returns the recorded output for an action, consulting the
// local scope first and then the parent chain.
func (rc *RunContext) StepOutput(name string) (schema.StepOutput, bool) {
	rc.mu.RLock()
	out, ok := rc.steps[name]
	rc.mu.RUnlock()
	if ok {
		return out, true
	}
	if rc.parent != nil {
		return rc.parent.StepOutput(name)
	}
	return schema.StepOutput{}, false
}

// ForIteration returns a child context scoped to one loop iteration. The
// child has its own write scope (body outputs never leak to the parent)
// and carries the iteration's item/index pair.
func (rc *RunContext) ForIteration(item any, index int) *RunContext {
	return &RunContext{
		steps:  make(map[string]schema.StepOutput),
		flow:   rc.flow,
		parent: rc,
		loop: &LoopVars{
			Item:  deepCopyAny(item),
			Index: index,
		},
	}
}

// Scope builds a resolution snapshot for the Variable Resolver. Step
// outputs are flattened across the parent chain (local scope wins) and
// copied so the snapshot stays stable during resolution.
func (rc *RunContext) Scope() *Scope {
	s := &Scope{Steps: rc.flatten(), Flow: rc.flow}
	if rc.loop != nil {
		s.Loop = &LoopVars{Item: deepCopyAny(rc.loop.Item), Index: rc.loop.Index}
	}
	return s
}

// Snapshot exports every visible step output, flattened across the
// parent chain, for a continuation marker.
func (rc *RunContext) Snapshot() map[string]schema.StepOutput {
	return rc.flatten()
}

// LocalOutputs returns only the outputs recorded in this scope, keyed by
// action name. Loops use it to collect one iteration's body outputs.
func (rc *RunContext) LocalOutputs() map[string]schema.StepOutput {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	cp := make(map[string]schema.StepOutput, len(rc.steps))
	for name, out := range rc.steps {
		out.Output = deepCopyAny(out.Output)
		cp[name] = out
	}
	return cp
}

func (rc *RunContext) flatten() map[string]schema.StepOutput {
	var base map[string]schema.StepOutput
	if rc.parent != nil {
		base = rc.parent.flatten()
	} else {
		base = make(map[string]schema.StepOutput)
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for name, out := range rc.steps {
		out.Output = deepCopyAny(out.Output)
		base[name] = out
	}
	return base
}

// RestoreRunContext rebuilds a root RunContext from a continuation
// marker's frozen snapshot. Resume walks consult the restored outputs
// instead of re-invoking executors.
func RestoreRunContext(flow map[string]any, snapshot map[string]schema.StepOutput) *RunContext {
	rc := NewRunContext(flow)
	for name, out := range snapshot {
		out.Output = deepCopyAny(out.Output)
		rc.steps[name] = out
	}
	return rc
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
