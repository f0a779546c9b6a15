package engine

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// executeLoop resolves the items expression to an ordered sequence and
// runs the owned body chain once per item in an iteration-scoped
// context. An empty sequence is zero iterations and success. A resume
// walk re-enters the in-flight iteration recorded in the continuation
// marker and replays nothing before it.
func (it *Interpreter) executeLoop(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState) (*dispatchResult, error) {
	settings := action.Loop
	if settings == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"loop action %q has no settings", action.Name).WithAction(action.Name)
	}

	resolved, err := it.resolver.ResolveString(ctx, settings.Items, rc.Scope())
	if err != nil {
		return nil, err
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"loop action %q: items expression resolved to %T, expected a list", action.Name, resolved).
			WithAction(action.Name)
	}

	startIndex := 0
	var iterations []any
	if ws.resuming {
		if k, ok := ws.pause.LoopIterations[action.Name]; ok {
			startIndex = k
			iterations = append(iterations, ws.pause.LoopState[action.Name]...)
		}
	}

	for i := startIndex; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(action.Name, err)
		}

		child := rc.ForIteration(items[i], i)
		resumedIteration := ws.resuming
		if settings.FirstLoopAction != nil {
			pause, ferr := it.executeChain(ctx, settings.FirstLoopAction, child, ws)
			if ferr != nil {
				return nil, ferr
			}
			if pause != nil {
				annotateLoopPause(pause, action.Name, i, iterations)
				return &dispatchResult{pause: pause}, nil
			}
		}
		iterations = append(iterations, iterationOutput(child, settings.FirstLoopAction, items[i], i, resumedIteration))
	}

	output := map[string]any{
		"item_count": len(items),
		"iterations": iterations,
	}
	return &dispatchResult{output: output}, nil
}

// annotateLoopPause adds this loop's bookkeeping to a pause climbing out
// of its body: the in-flight index plus the outputs of completed
// iterations, so resume re-enters exactly where the walk stopped.
func annotateLoopPause(pause *pauseSignal, loopName string, index int, completed []any) {
	if pause.loopIterations == nil {
		pause.loopIterations = make(map[string]int)
	}
	if pause.loopState == nil {
		pause.loopState = make(map[string][]any)
	}
	pause.loopIterations[loopName] = index
	pause.loopState[loopName] = append([]any{}, completed...)
}

// iterationOutput collects one iteration's body outputs from its local
// scope. A resumed iteration additionally consults the restored
// snapshot, where its pre-pause body outputs live.
func iterationOutput(child *expressions.RunContext, body *schema.Action, item any, index int, resumed bool) map[string]any {
	local := child.LocalOutputs()
	steps := make(map[string]any, len(local))
	for _, name := range chainActionNames(body) {
		if out, ok := local[name]; ok {
			steps[name] = out.Output
			continue
		}
		if resumed {
			if out, ok := child.StepOutput(name); ok {
				steps[name] = out.Output
			}
		}
	}
	return map[string]any{
		"index": index,
		"item":  item,
		"steps": steps,
	}
}

// chainActionNames lists every action name reachable in a chain,
// including branch sides and nested loop bodies.
func chainActionNames(action *schema.Action) []string {
	var names []string
	for action != nil {
		names = append(names, action.Name)
		if action.Branch != nil {
			names = append(names, chainActionNames(action.Branch.OnSuccessAction)...)
			names = append(names, chainActionNames(action.Branch.OnFailureAction)...)
		}
		if action.Loop != nil {
			names = append(names, chainActionNames(action.Loop.FirstLoopAction)...)
		}
		action = action.Next
	}
	return names
}
