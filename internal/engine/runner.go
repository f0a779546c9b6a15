package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/diagram"
	"github.com/conveyorhq/conveyor/internal/logging"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Runner is the run lifecycle coordinator. It owns everything around a
// single interpreter walk: persisting the run record, validating the
// flow document, guarding state transitions, storing continuations on
// pause, and waking them on resume.
type Runner interface {
	// Execute starts a new run of a stored flow version.
	Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error)

	// Resume continues a paused run with an external payload. The
	// payload's resume key must match a stored, unconsumed continuation.
	Resume(ctx context.Context, payload *schema.ResumePayload) (*ExecutionResult, error)

	// ResumeByKey wakes a delay-paused run. Satisfies the scheduler's
	// resumer contract; webhook pauses go through Resume with a body.
	ResumeByKey(ctx context.Context, resumeKey string) error

	// Cancel terminates a run. In-flight runs get their context
	// cancelled; paused and pending runs are finalized directly.
	Cancel(ctx context.Context, runID, reason string) error

	// Status returns the persisted snapshot of a run.
	Status(ctx context.Context, runID string) (*RunStatusView, error)

	// TestStep executes exactly one action of a flow version against a
	// supplied context, without persisting anything.
	TestStep(ctx context.Context, req TestStepRequest) (*schema.RunOutcome, error)
}

// FlowChecker validates a flow document before the interpreter sees it.
// Satisfied by validation.FlowValidator.
type FlowChecker interface {
	ValidateFlow(flow *schema.FlowVersion) error
}

// EventLogger abstracts the event log operations the runner needs.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.StepState, error)
}

// ExecuteRequest names a stored flow version to run.
type ExecuteRequest struct {
	FlowVersionID string         `json:"flow_version_id"`
	Input         map[string]any `json:"input,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
}

// TestStepRequest targets one action for isolated execution. Context
// seeds the run context with pre-recorded step outputs so the target
// can resolve references against them.
type TestStepRequest struct {
	FlowVersionID string         `json:"flow_version_id"`
	ActionName    string         `json:"action_name"`
	Context       map[string]any `json:"context,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// ExecutionResult is returned by Execute and Resume with the run outcome.
type ExecutionResult struct {
	RunID        string                `json:"run_id"`
	Status       schema.RunStatus      `json:"status"`
	Output       map[string]any        `json:"output,omitempty"`
	FailedAction string                `json:"failed_action,omitempty"`
	Error        *schema.FlowError     `json:"error,omitempty"`
	Pause        *schema.PauseMetadata `json:"pause,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   *time.Time            `json:"finished_at,omitempty"`
}

// RunStatusView is a snapshot of a run's persisted state for querying.
type RunStatusView struct {
	Run    *store.Run         `json:"run"`
	Steps  []*store.StepState `json:"steps,omitempty"`
	Events []*schema.Event    `json:"events,omitempty"`

	// Diagram is a Mermaid rendering of the flow graph with each node
	// coloured by its recorded step status.
	Diagram string `json:"diagram,omitempty"`
}

// RunnerConfig holds the static configuration shared by every run.
type RunnerConfig struct {
	PublicURL    string
	InternalURL  string
	RetryPolicy  *schema.RetryPolicy
	ProgressMode ProgressMode
}

// RunnerDeps holds the dependencies for creating a Runner.
type RunnerDeps struct {
	Store       store.Store
	EventLog    EventLogger
	Interpreter *Interpreter
	Validator   FlowChecker
	Config      RunnerConfig
	Logger      *slog.Logger
}

// runner is the concrete Runner implementation.
type runner struct {
	store       store.Store
	eventLog    EventLogger
	interpreter *Interpreter
	validator   FlowChecker
	runFSM      *RunFSM
	config      RunnerConfig
	logger      *slog.Logger

	// mu guards inflight.
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps) Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &runner{
		store:       deps.Store,
		eventLog:    deps.EventLog,
		interpreter: deps.Interpreter,
		validator:   deps.Validator,
		runFSM:      NewRunFSM(deps.EventLog),
		config:      deps.Config,
		logger:      logger,
		inflight:    make(map[string]context.CancelFunc),
	}
}

// Execute starts a new run.
func (r *runner) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	flow, err := r.loadFlow(ctx, req.FlowVersionID)
	if err != nil {
		return nil, err
	}
	if r.validator != nil {
		if err := r.validator.ValidateFlow(flow); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:            uuid.NewString(),
		FlowID:        flow.FlowID,
		FlowVersionID: flow.ID,
		ProjectID:     req.ProjectID,
		Status:        schema.RunStatusPending,
		CreatedAt:     now,
	}
	if len(req.Input) > 0 {
		raw, merr := json.Marshal(req.Input)
		if merr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal run input: %s", merr.Error()).WithCause(merr)
		}
		run.Input = raw
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := r.start(ctx, run.ID, schema.RunStatusPending, now); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, run.ID, flow.FlowID, "")
	constants := r.buildConstants(flow, run.ID, req.ProjectID, nil)

	execCtx := r.track(ctx, run.ID)
	outcome := r.interpreter.ExecuteFlow(execCtx, flow, req.Input, constants)
	r.untrack(run.ID)

	return r.finalize(ctx, run.ID, outcome, now)
}

// Resume continues a paused run with the delivered payload.
func (r *runner) Resume(ctx context.Context, payload *schema.ResumePayload) (*ExecutionResult, error) {
	if payload == nil || payload.ResumeKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume payload requires a resume key")
	}

	pause, err := r.store.GetPauseByResumeKey(ctx, payload.ResumeKey)
	if err != nil {
		return nil, err
	}

	// Consuming the continuation first makes delivery exactly-once:
	// a concurrent resume with the same key loses here.
	if err := r.store.MarkResumed(ctx, payload.ResumeKey); err != nil {
		return nil, err
	}

	marker, err := schema.ParsePauseMetadata(pause.Metadata)
	if err != nil {
		return nil, err
	}

	run, err := r.store.GetRun(ctx, pause.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume run %s in status %s", run.ID, run.Status)
	}

	flow, err := r.loadFlow(ctx, run.FlowVersionID)
	if err != nil {
		return nil, err
	}

	if err := r.runFSM.Transition(ctx, run.ID, schema.RunStatusPaused, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	if err := r.eventLog.AppendEvent(ctx, &schema.Event{
		RunID:      run.ID,
		ActionName: marker.ActionName,
		Type:       schema.EventRunResumed,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit resume event: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithIDs(ctx, run.ID, flow.FlowID, marker.ActionName)
	constants := r.buildConstants(flow, run.ID, run.ProjectID, payload)

	execCtx := r.track(ctx, run.ID)
	outcome := r.interpreter.ResumeFlow(execCtx, flow, marker, constants)
	r.untrack(run.ID)

	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	return r.finalize(ctx, run.ID, outcome, started)
}

// ResumeByKey wakes a delay-paused run without a payload body.
func (r *runner) ResumeByKey(ctx context.Context, resumeKey string) error {
	_, err := r.Resume(ctx, &schema.ResumePayload{ResumeKey: resumeKey})
	return err
}

// Cancel terminates a run.
func (r *runner) Cancel(ctx context.Context, runID, reason string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot cancel run %s in status %s", runID, run.Status)
	}

	// An in-flight run observes the cancellation between actions and
	// finalizes itself through the normal outcome path.
	r.mu.Lock()
	cancel, running := r.inflight[runID]
	r.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	if err := r.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.RunStatusCancelled
	errPayload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:     &cancelled,
		Error:      errPayload,
		FinishedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Status returns the persisted run snapshot.
func (r *runner) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.ListStepStates(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step states: %s", err.Error()).WithCause(err)
	}
	events, err := r.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}

	view := &RunStatusView{Run: run, Steps: steps, Events: events}

	// The diagram is informational; a missing flow version never fails
	// a status request.
	if flow, ferr := r.loadFlow(ctx, run.FlowVersionID); ferr == nil {
		statuses := make(map[string]schema.StepStatus, len(steps))
		for _, s := range steps {
			statuses[s.ActionName] = s.Status
		}
		view.Diagram = diagram.RenderMermaid(diagram.Build(flow, statuses))
	}

	return view, nil
}

// TestStep runs one action in single-step mode. Nothing is persisted;
// the ephemeral run ID only correlates log lines.
func (r *runner) TestStep(ctx context.Context, req TestStepRequest) (*schema.RunOutcome, error) {
	if req.ActionName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "test step requires an action name")
	}
	flow, err := r.loadFlow(ctx, req.FlowVersionID)
	if err != nil {
		return nil, err
	}

	constants := r.buildConstants(flow, "test-"+uuid.NewString(), "", nil)
	constants.SingleStepMode = true
	constants.TargetActionName = req.ActionName
	constants.ProgressMode = ProgressModeNone

	initial := make(map[string]any, len(req.Context)+len(req.Input))
	for name, out := range req.Context {
		initial[name] = out
	}
	for name, out := range req.Input {
		initial[name] = out
	}
	return r.interpreter.ExecuteFlow(ctx, flow, initial, constants), nil
}

// --- lifecycle helpers ---

// loadFlow fetches and parses a stored flow version document.
func (r *runner) loadFlow(ctx context.Context, flowVersionID string) (*schema.FlowVersion, error) {
	if flowVersionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow version id is required")
	}
	record, err := r.store.GetFlowVersion(ctx, flowVersionID)
	if err != nil {
		return nil, err
	}
	return schema.ParseFlowVersion(record.Definition)
}

// start transitions a run into RUNNING and stamps its start time.
func (r *runner) start(ctx context.Context, runID string, from schema.RunStatus, now time.Time) error {
	if err := r.runFSM.Transition(ctx, runID, from, schema.RunStatusRunning); err != nil {
		return err
	}
	running := schema.RunStatusRunning
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}
	return nil
}

// track registers a cancellable context for an in-flight run.
func (r *runner) track(ctx context.Context, runID string) context.Context {
	execCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inflight[runID] = cancel
	r.mu.Unlock()
	return execCtx
}

func (r *runner) untrack(runID string) {
	r.mu.Lock()
	if cancel, ok := r.inflight[runID]; ok {
		cancel()
		delete(r.inflight, runID)
	}
	r.mu.Unlock()
}

// finalize persists the interpreter outcome: step states, the run
// record's terminal (or paused) status, and the continuation marker
// when the run paused.
func (r *runner) finalize(ctx context.Context, runID string, outcome *schema.RunOutcome, startedAt time.Time) (*ExecutionResult, error) {
	// Persistence after the walk must survive a cancelled caller context.
	persistCtx := ctx
	if ctx.Err() != nil {
		persistCtx = context.WithoutCancel(ctx)
	}

	r.persistStepStates(persistCtx, runID, outcome.Context)

	if err := r.runFSM.Transition(persistCtx, runID, schema.RunStatusRunning, outcome.Status); err != nil {
		return nil, err
	}

	result := &ExecutionResult{
		RunID:        runID,
		Status:       outcome.Status,
		FailedAction: outcome.FailedAction,
		Error:        outcome.Error,
		Pause:        outcome.Pause,
		StartedAt:    startedAt,
	}

	update := store.RunUpdate{Status: &outcome.Status}
	switch outcome.Status {
	case schema.RunStatusPaused:
		if err := r.savePause(persistCtx, runID, outcome.Pause); err != nil {
			return nil, err
		}
	default:
		now := time.Now().UTC()
		update.FinishedAt = &now
		result.FinishedAt = &now
		if outcome.Error != nil {
			if raw, err := json.Marshal(outcome.Error); err == nil {
				update.Error = raw
			}
		}
		if outcome.Status == schema.RunStatusSucceeded {
			result.Output = contextOutputs(outcome.Context)
			if raw, err := json.Marshal(result.Output); err == nil {
				update.Output = raw
			}
		}
	}

	if err := r.store.UpdateRun(persistCtx, runID, update); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist run outcome: %s", err.Error()).WithCause(err)
	}
	return result, nil
}

// savePause stores the continuation marker under its resume key.
func (r *runner) savePause(ctx context.Context, runID string, marker *schema.PauseMetadata) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal pause metadata: %s", err.Error()).WithCause(err)
	}
	pause := &store.PausedRun{
		RunID:     runID,
		ResumeKey: marker.ResumeKey,
		Kind:      marker.Kind,
		Metadata:  raw,
		CreatedAt: time.Now().UTC(),
	}
	if marker.Kind == schema.PauseKindDelay && !marker.ResumeAt.IsZero() {
		at := marker.ResumeAt
		pause.ResumeAt = &at
	}
	if err := r.store.SavePause(ctx, pause); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save pause: %s", err.Error()).WithCause(err)
	}
	return nil
}

// persistStepStates mirrors the outcome context into the materialized
// step view. Best-effort: the event log already holds the truth.
func (r *runner) persistStepStates(ctx context.Context, runID string, snapshot map[string]schema.StepOutput) {
	for name, out := range snapshot {
		state := &store.StepState{
			RunID:      runID,
			ActionName: name,
			Status:     out.Status,
			DurationMs: out.DurationMs,
		}
		if out.Output != nil {
			if raw, err := json.Marshal(out.Output); err == nil {
				state.Output = raw
			}
		}
		if out.ErrorMessage != "" {
			if raw, err := json.Marshal(map[string]string{"error": out.ErrorMessage}); err == nil {
				state.Error = raw
			}
		}
		if err := r.store.UpsertStepState(ctx, state); err != nil {
			r.logger.WarnContext(ctx, "persist step state failed",
				"run_id", runID, "action", name, "error", err.Error())
		}
	}
}

// contextOutputs projects the run context into a plain output document.
func contextOutputs(snapshot map[string]schema.StepOutput) map[string]any {
	outputs := make(map[string]any, len(snapshot))
	for name, out := range snapshot {
		outputs[name] = out.Output
	}
	return outputs
}

// buildConstants assembles the immutable per-run bundle.
func (r *runner) buildConstants(flow *schema.FlowVersion, runID, projectID string, payload *schema.ResumePayload) *EngineConstants {
	mode := r.config.ProgressMode
	if mode == "" {
		mode = ProgressModePerStep
	}
	return &EngineConstants{
		FlowID:           flow.FlowID,
		FlowVersionID:    flow.ID,
		FlowVersionState: flow.State,
		RunID:            runID,
		ProjectID:        projectID,
		PublicURL:        r.config.PublicURL,
		InternalURL:      r.config.InternalURL,
		EngineToken:      uuid.NewString(),
		RetryPolicy:      r.config.RetryPolicy,
		ProgressMode:     mode,
		ResumePayload:    payload,
	}
}
