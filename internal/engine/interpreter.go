package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/pieces"
	"github.com/conveyorhq/conveyor/internal/progress"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Interpreter walks a flow graph one action at a time. A single
// Interpreter serves many runs concurrently; everything run-scoped
// travels in the RunContext and EngineConstants, never in the
// Interpreter itself.
type Interpreter struct {
	resolver *expressions.Resolver
	engines  map[schema.CodeRuntime]expressions.Engine
	registry pieces.Registry
	reporter progress.Reporter
	logger   *slog.Logger
}

// InterpreterDeps holds the dependencies for creating an Interpreter.
type InterpreterDeps struct {
	Resolver *expressions.Resolver
	Engines  map[schema.CodeRuntime]expressions.Engine
	Registry pieces.Registry
	Reporter progress.Reporter
	Logger   *slog.Logger
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(deps InterpreterDeps) *Interpreter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = progress.Noop{}
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = expressions.NewResolver(nil)
	}
	return &Interpreter{
		resolver: resolver,
		engines:  deps.Engines,
		registry: deps.Registry,
		reporter: reporter,
		logger:   logger,
	}
}

// walkState carries the per-run mutable walk bookkeeping. While resuming
// is set, recorded actions are skipped instead of executed; it clears
// the moment the paused action re-executes.
type walkState struct {
	constants *EngineConstants
	resuming  bool
	pause     *schema.PauseMetadata
	payload   *schema.ResumePayload
}

// pauseSignal travels up the call stack from the action that paused.
// Enclosing loops annotate it with their iteration bookkeeping.
type pauseSignal struct {
	kind           schema.PauseKind
	actionName     string
	resumeKey      string
	resumeAt       time.Time
	loopIterations map[string]int
	loopState      map[string][]any
	context        map[string]schema.StepOutput
}

// ExecuteFlow runs a flow version from its root. initial seeds the run
// context with pre-recorded outputs (the trigger's, typically) before
// the walk starts.
func (it *Interpreter) ExecuteFlow(ctx context.Context, flow *schema.FlowVersion, initial map[string]any, constants *EngineConstants) *schema.RunOutcome {
	rc := expressions.NewRunContext(constants.FlowMetadata())
	for name, out := range initial {
		if err := rc.RecordStepOutput(name, schema.StepOutput{
			Status: schema.StepStatusCompleted,
			Output: out,
		}); err != nil {
			fe := asFlowError(err)
			return it.finish(ctx, rc, nil, fe, constants)
		}
	}

	if constants.SingleStepMode {
		return it.executeSingle(ctx, flow, rc, constants)
	}

	ws := &walkState{constants: constants}
	pause, ferr := it.executeChain(ctx, flow.Root, rc, ws)
	return it.finish(ctx, rc, pause, ferr, constants)
}

// ResumeFlow continues a paused run. It re-walks from the root,
// following the continuation marker without re-invoking executors for
// recorded actions; the paused action itself re-executes with the
// resume payload injected.
func (it *Interpreter) ResumeFlow(ctx context.Context, flow *schema.FlowVersion, pause *schema.PauseMetadata, constants *EngineConstants) *schema.RunOutcome {
	rc := expressions.RestoreRunContext(constants.FlowMetadata(), pause.Context)

	payload := constants.ResumePayload
	if payload == nil {
		fe := schema.NewError(schema.ErrCodeValidation, "resume requires a payload").WithAction(pause.ActionName)
		return it.finish(ctx, rc, nil, fe, constants)
	}
	if payload.ResumeKey != pause.ResumeKey {
		fe := schema.NewErrorf(schema.ErrCodeValidation,
			"resume key mismatch for action %q", pause.ActionName).WithAction(pause.ActionName)
		return it.finish(ctx, rc, nil, fe, constants)
	}

	ws := &walkState{constants: constants, resuming: true, pause: pause, payload: payload}
	sig, ferr := it.executeChain(ctx, flow.Root, rc, ws)
	if ferr == nil && sig == nil && ws.resuming {
		ferr = schema.NewErrorf(schema.ErrCodeValidation,
			"continuation marker names action %q which the walk never reached", pause.ActionName)
	}
	return it.finish(ctx, rc, sig, ferr, constants)
}

// executeSingle runs exactly the target action against the supplied
// context, for step-level debugging.
func (it *Interpreter) executeSingle(ctx context.Context, flow *schema.FlowVersion, rc *expressions.RunContext, constants *EngineConstants) *schema.RunOutcome {
	target := findAction(flow.Root, constants.TargetActionName)
	if target == nil {
		fe := schema.NewErrorf(schema.ErrCodeInvalidAction,
			"action %q not found in flow version %q", constants.TargetActionName, flow.ID)
		return it.finish(ctx, rc, nil, fe, constants)
	}

	ws := &walkState{constants: constants}
	pause, ferr := it.executeStep(ctx, target, rc, ws)
	return it.finish(ctx, rc, pause, ferr, constants)
}

// executeChain walks one owned chain of actions. It returns a pause
// signal or a fatal run error; (nil, nil) means the chain completed.
func (it *Interpreter) executeChain(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState) (*pauseSignal, *schema.FlowError) {
	for action != nil {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(action.Name, err)
		}

		if ws.resuming && action.Name != ws.pause.ActionName {
			pause, ferr, handled := it.skipRecorded(ctx, action, rc, ws)
			if ferr != nil || pause != nil {
				return pause, ferr
			}
			if handled {
				action = action.Next
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"continuation marker does not match flow graph at action %q", action.Name).
				WithAction(action.Name)
		}

		pause, ferr := it.executeStep(ctx, action, rc, ws)
		if ferr != nil {
			return nil, ferr
		}
		if pause != nil {
			return pause, nil
		}
		action = action.Next
	}
	return nil, nil
}

// skipRecorded advances past an action the continuation marker already
// covers, descending into the recorded branch side or the in-flight
// loop iteration where the pause lives.
func (it *Interpreter) skipRecorded(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState) (*pauseSignal, *schema.FlowError, bool) {
	if out, ok := rc.StepOutput(action.Name); ok {
		if action.Kind == schema.ActionKindBranch && action.Branch != nil {
			side := recordedBranchSide(out)
			var sub *schema.Action
			if side {
				sub = action.Branch.OnSuccessAction
			} else {
				sub = action.Branch.OnFailureAction
			}
			if sub != nil && ws.resuming {
				pause, ferr := it.executeChain(ctx, sub, rc, ws)
				if pause != nil || ferr != nil {
					return pause, ferr, true
				}
			}
		}
		return nil, nil, true
	}

	if action.Kind == schema.ActionKindLoop {
		if _, ok := ws.pause.LoopIterations[action.Name]; ok {
			pause, ferr := it.executeStep(ctx, action, rc, ws)
			return pause, ferr, true
		}
	}

	return nil, nil, false
}

// chainFailure wraps a failure that was already attributed to an inner
// action; the enclosing action's error policy must not re-handle it.
type chainFailure struct {
	fe *schema.FlowError
}

func (c *chainFailure) Error() string { return c.fe.Error() }

// dispatchResult is what a kind executor hands back to the policy loop.
type dispatchResult struct {
	output   any
	recorded bool
	pause    *pauseSignal
}

// executeStep runs one action under the per-step contract: dispatch by
// kind, record the outcome under the action name, and apply the error
// policy (retry with backoff, then continue or fail).
func (it *Interpreter) executeStep(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState) (*pauseSignal, *schema.FlowError) {
	if !action.Valid {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"action %q is marked invalid", action.Name).WithAction(action.Name)
	}

	var resume *schema.ResumePayload
	if ws.resuming && action.Name == ws.pause.ActionName {
		resume = ws.payload
		ws.resuming = false
	}

	policy := ws.constants.EffectiveRetryPolicy()
	retryEnabled := action.ErrorHandling != nil && action.ErrorHandling.RetryOnFailure
	continueEnabled := action.ErrorHandling != nil && action.ErrorHandling.ContinueOnFailure

	attempt := 1
	for {
		start := time.Now()
		res, err := it.dispatch(ctx, action, rc, ws, resume)
		durationMs := time.Since(start).Milliseconds()

		if err == nil {
			if res.pause != nil {
				it.reportStep(ctx, ws, action.Name, schema.StepStatusPaused, durationMs)
				return res.pause, nil
			}
			if !res.recorded {
				if rerr := rc.RecordStepOutput(action.Name, schema.StepOutput{
					Status:     schema.StepStatusCompleted,
					Output:     res.output,
					DurationMs: durationMs,
				}); rerr != nil {
					return nil, asFlowError(rerr).WithAction(action.Name)
				}
				it.reportStep(ctx, ws, action.Name, schema.StepStatusCompleted, durationMs)
			}
			return nil, nil
		}

		var cf *chainFailure
		if errors.As(err, &cf) {
			return nil, cf.fe
		}
		if cancelled(err) {
			return nil, cancelledError(action.Name, err)
		}

		if retryEnabled && attempt < policy.MaxAttempts && retryable(err) {
			it.reportStep(ctx, ws, action.Name, schema.StepStatusRetrying, durationMs)
			it.logger.WarnContext(ctx, "retrying action",
				"run_id", ws.constants.RunID, "action", action.Name,
				"attempt", attempt, "error", err.Error())
			if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
				return nil, cancelledError(action.Name, werr)
			}
			attempt++
			continue
		}

		// Errors are recorded at the action boundary before the
		// continue-or-fail decision.
		if rerr := rc.RecordStepOutput(action.Name, schema.StepOutput{
			Status:       schema.StepStatusFailed,
			ErrorMessage: err.Error(),
			DurationMs:   durationMs,
		}); rerr != nil {
			return nil, asFlowError(rerr).WithAction(action.Name)
		}
		it.reportStep(ctx, ws, action.Name, schema.StepStatusFailed, durationMs)

		if continueEnabled {
			it.logger.InfoContext(ctx, "continuing past failed action",
				"run_id", ws.constants.RunID, "action", action.Name, "error", err.Error())
			return nil, nil
		}

		fe := asFlowError(err)
		if fe.ActionName == "" {
			fe = fe.WithAction(action.Name)
		}
		return nil, fe
	}
}

// dispatch routes an action to its kind executor. Unknown kinds cannot
// pass validation, but the interpreter still refuses them explicitly.
func (it *Interpreter) dispatch(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState, resume *schema.ResumePayload) (*dispatchResult, error) {
	switch action.Kind {
	case schema.ActionKindCode:
		return it.executeCode(ctx, action, rc)
	case schema.ActionKindBranch:
		return it.executeBranch(ctx, action, rc, ws)
	case schema.ActionKindLoop:
		return it.executeLoop(ctx, action, rc, ws)
	case schema.ActionKindPiece:
		return it.executePiece(ctx, action, rc, ws, resume)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"action %q has unknown kind %q", action.Name, string(action.Kind)).WithAction(action.Name)
	}
}

// finish converts the walk result into the caller-facing outcome and
// delivers the final progress report.
func (it *Interpreter) finish(ctx context.Context, rc *expressions.RunContext, pause *pauseSignal, ferr *schema.FlowError, constants *EngineConstants) *schema.RunOutcome {
	outcome := &schema.RunOutcome{Context: rc.Snapshot()}

	switch {
	case ferr != nil && ferr.Code == schema.ErrCodeCancelled:
		outcome.Status = schema.RunStatusCancelled
		outcome.Error = ferr
	case ferr != nil:
		outcome.Status = schema.RunStatusFailed
		outcome.FailedAction = ferr.ActionName
		outcome.Error = ferr
	case pause != nil:
		outcome.Status = schema.RunStatusPaused
		outcome.Pause = &schema.PauseMetadata{
			Kind:           pause.kind,
			ActionName:     pause.actionName,
			ResumeKey:      pause.resumeKey,
			ResumeAt:       pause.resumeAt,
			LoopIterations: pause.loopIterations,
			LoopState:      pause.loopState,
			Context:        pause.context,
		}
	default:
		outcome.Status = schema.RunStatusSucceeded
	}

	if constants.ProgressMode == ProgressModePerStep || constants.ProgressMode == ProgressModeFinal {
		update := progress.RunUpdate{
			RunID:        constants.RunID,
			Status:       outcome.Status,
			FailedAction: outcome.FailedAction,
		}
		if err := it.reporter.ReportRun(ctx, update); err != nil {
			it.logger.WarnContext(ctx, "progress report failed",
				"run_id", constants.RunID, "error", err.Error())
		}
	}

	return outcome
}

// reportStep delivers a per-step progress update, fire-and-forget.
func (it *Interpreter) reportStep(ctx context.Context, ws *walkState, name string, status schema.StepStatus, durationMs int64) {
	if ws.constants.ProgressMode != ProgressModePerStep {
		return
	}
	update := progress.StepUpdate{
		RunID:      ws.constants.RunID,
		ActionName: name,
		Status:     status,
		DurationMs: durationMs,
	}
	if err := it.reporter.ReportStep(ctx, update); err != nil {
		it.logger.WarnContext(ctx, "progress report failed",
			"run_id", ws.constants.RunID, "action", name, "error", err.Error())
	}
}

// --- helpers ---

func cancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var fe *schema.FlowError
	return errors.As(err, &fe) && fe.Code == schema.ErrCodeCancelled
}

func cancelledError(actionName string, cause error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCancelled,
		"run cancelled before action %q completed", actionName).
		WithAction(actionName).WithCause(cause)
}

func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeExecutor, err.Error()).WithCause(err)
}

// recordedBranchSide reads the side a recorded branch took.
func recordedBranchSide(out schema.StepOutput) bool {
	m, ok := out.Output.(map[string]any)
	if !ok {
		return false
	}
	matched, _ := m["condition_matched"].(bool)
	return matched
}

// findAction locates an action by name anywhere in the graph.
func findAction(action *schema.Action, name string) *schema.Action {
	for action != nil {
		if action.Name == name {
			return action
		}
		if action.Branch != nil {
			if found := findAction(action.Branch.OnSuccessAction, name); found != nil {
				return found
			}
			if found := findAction(action.Branch.OnFailureAction, name); found != nil {
				return found
			}
		}
		if action.Loop != nil {
			if found := findAction(action.Loop.FirstLoopAction, name); found != nil {
				return found
			}
		}
		action = action.Next
	}
	return nil
}
