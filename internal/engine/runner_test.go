package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/pieces"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// --- Mock implementations ---

// memStore is a minimal in-memory Store for testing.
type memStore struct {
	mu         sync.Mutex
	runs       map[string]*store.Run
	versions   map[string]*store.FlowVersionRecord
	stepStates map[string]map[string]*store.StepState // run_id -> action -> state
	pauses     map[string]*store.PausedRun            // resume_key -> pause
	events     []*schema.Event
}

func newMemStore() *memStore {
	return &memStore{
		runs:       make(map[string]*store.Run),
		versions:   make(map[string]*store.FlowVersionRecord),
		stepStates: make(map[string]map[string]*store.StepState),
		pauses:     make(map[string]*store.PausedRun),
	}
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run not found: %s", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		run.FinishedAt = update.FinishedAt
	}
	return nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]*store.Run, error) {
	return nil, nil
}

func (m *memStore) SaveFlowVersion(_ context.Context, fv *store.FlowVersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *fv
	m.versions[fv.ID] = &cp
	return nil
}

func (m *memStore) GetFlowVersion(_ context.Context, id string) (*store.FlowVersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fv, ok := m.versions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow version not found: %s", id)
	}
	cp := *fv
	return &cp, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Seq = int64(len(m.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, runID string, since int64) ([]*schema.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*schema.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Seq > since {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *memStore) UpsertStepState(_ context.Context, state *store.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAction, ok := m.stepStates[state.RunID]
	if !ok {
		byAction = make(map[string]*store.StepState)
		m.stepStates[state.RunID] = byAction
	}
	cp := *state
	byAction[state.ActionName] = &cp
	return nil
}

func (m *memStore) ListStepStates(_ context.Context, runID string) ([]*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.StepState
	for _, ss := range m.stepStates[runID] {
		cp := *ss
		result = append(result, &cp)
	}
	return result, nil
}

func (m *memStore) SavePause(_ context.Context, pause *store.PausedRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pause
	m.pauses[pause.ResumeKey] = &cp
	return nil
}

func (m *memStore) GetPauseByResumeKey(_ context.Context, resumeKey string) (*store.PausedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pause, ok := m.pauses[resumeKey]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "paused run not found: %s", resumeKey)
	}
	cp := *pause
	return &cp, nil
}

func (m *memStore) ListDueResumes(_ context.Context, now time.Time, limit int) ([]*store.PausedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.PausedRun
	for _, p := range m.pauses {
		if p.ResumedAt == nil && p.ResumeAt != nil && !p.ResumeAt.After(now) {
			cp := *p
			result = append(result, &cp)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *memStore) MarkResumed(_ context.Context, resumeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pause, ok := m.pauses[resumeKey]
	if !ok || pause.ResumedAt != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "paused run not found: %s", resumeKey)
	}
	now := time.Now().UTC()
	pause.ResumedAt = &now
	return nil
}

func (m *memStore) StoreConnection(_ context.Context, _ string, _ []byte) error { return nil }
func (m *memStore) GetConnection(_ context.Context, key string) ([]byte, error) {
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection not found: %s", key)
}
func (m *memStore) DeleteConnection(_ context.Context, _ string) error    { return nil }
func (m *memStore) ListConnections(_ context.Context) ([]string, error)   { return nil, nil }
func (m *memStore) Migrate(_ context.Context) error                       { return nil }
func (m *memStore) Vacuum(_ context.Context) error                        { return nil }
func (m *memStore) Close() error                                          { return nil }

// memEventLog satisfies EventLogger on top of memStore.
type memEventLog struct {
	store *memStore
}

func (l *memEventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	return l.store.AppendEvent(ctx, event)
}

func (l *memEventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return l.store.GetEvents(ctx, runID, since)
}

func (l *memEventLog) ReplayEvents(_ context.Context, _ string) (map[string]*store.StepState, error) {
	return map[string]*store.StepState{}, nil
}

// passValidator accepts every flow.
type passValidator struct{}

func (passValidator) ValidateFlow(_ *schema.FlowVersion) error { return nil }

// failValidator rejects every flow.
type failValidator struct{}

func (failValidator) ValidateFlow(_ *schema.FlowVersion) error {
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

// --- Helpers ---

func newTestRunner(t *testing.T, ms *memStore, checker FlowChecker) Runner {
	t.Helper()

	engines, err := expressions.Engines()
	require.NoError(t, err)

	registry := pieces.NewRegistry()
	require.NoError(t, registry.Register(pieces.NewWebhookPiece()))
	require.NoError(t, registry.Register(pieces.NewDelayPiece()))

	interp := NewInterpreter(InterpreterDeps{
		Engines:  engines,
		Registry: registry,
	})

	return NewRunner(RunnerDeps{
		Store:       ms,
		EventLog:    &memEventLog{store: ms},
		Interpreter: interp,
		Validator:   checker,
		Config:      RunnerConfig{PublicURL: "https://conveyor.example"},
	})
}

func saveFlow(t *testing.T, ms *memStore, flow *schema.FlowVersion) {
	t.Helper()
	raw, err := json.Marshal(flow)
	require.NoError(t, err)
	require.NoError(t, ms.SaveFlowVersion(context.Background(), &store.FlowVersionRecord{
		ID:         flow.ID,
		FlowID:     flow.FlowID,
		State:      flow.State,
		Definition: raw,
	}))
}

func linearFlow() *schema.FlowVersion {
	return &schema.FlowVersion{
		ID:     "fv-linear",
		FlowID: "flow-linear",
		State:  schema.FlowVersionStateLocked,
		Root: &schema.Action{
			Name:  "add",
			Kind:  schema.ActionKindCode,
			Valid: true,
			Code: &schema.CodeSettings{
				Runtime: schema.CodeRuntimeExpr,
				Source:  "1 + 1",
			},
			Next: &schema.Action{
				Name:  "double",
				Kind:  schema.ActionKindCode,
				Valid: true,
				Code: &schema.CodeSettings{
					Runtime: schema.CodeRuntimeExpr,
					Source:  "int(inputs.base) * 2",
					Input:   map[string]any{"base": "${{steps.add.output}}"},
				},
			},
		},
	}
}

func webhookFlow() *schema.FlowVersion {
	return &schema.FlowVersion{
		ID:     "fv-hook",
		FlowID: "flow-hook",
		State:  schema.FlowVersionStateLocked,
		Root: &schema.Action{
			Name:  "before",
			Kind:  schema.ActionKindCode,
			Valid: true,
			Code:  &schema.CodeSettings{Runtime: schema.CodeRuntimeExpr, Source: `"ready"`},
			Next: &schema.Action{
				Name:  "wait",
				Kind:  schema.ActionKindPiece,
				Valid: true,
				Piece: &schema.PieceSettings{
					PieceName:  "webhook",
					ActionName: "wait_for_callback",
				},
				Next: &schema.Action{
					Name:  "after",
					Kind:  schema.ActionKindCode,
					Valid: true,
					Code:  &schema.CodeSettings{Runtime: schema.CodeRuntimeExpr, Source: `"done"`},
				},
			},
		},
	}
}

// --- Tests ---

func TestRunnerExecute_Succeeds(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, passValidator{})

	result, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-linear"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	assert.NotEmpty(t, result.RunID)
	require.NotNil(t, result.FinishedAt)

	// The run record holds the terminal status and output.
	run, err := ms.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
	assert.NotEmpty(t, run.Output)

	// Step states were materialized for both actions.
	steps, err := ms.ListStepStates(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestRunnerExecute_UnknownFlowVersion(t *testing.T) {
	r := newTestRunner(t, newMemStore(), passValidator{})

	_, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "missing"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestRunnerExecute_ValidationRejected(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, failValidator{})

	_, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-linear"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	// Nothing ran, so no run record was finalized.
	assert.Empty(t, ms.stepStates)
}

func TestRunnerExecute_FailureRecorded(t *testing.T) {
	ms := newMemStore()
	flow := linearFlow()
	flow.Root.Code.Source = "undefined_name + 1"
	saveFlow(t, ms, flow)
	r := newTestRunner(t, ms, passValidator{})

	result, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-linear"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, "add", result.FailedAction)
	require.NotNil(t, result.Error)

	run, err := ms.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestRunnerExecute_PausesOnWebhook(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, webhookFlow())
	r := newTestRunner(t, ms, passValidator{})

	result, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-hook"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, result.Status)
	require.NotNil(t, result.Pause)
	assert.Equal(t, "wait", result.Pause.ActionName)
	assert.NotEmpty(t, result.Pause.ResumeKey)
	assert.Nil(t, result.FinishedAt)

	// The continuation is stored under the resume key.
	pause, err := ms.GetPauseByResumeKey(context.Background(), result.Pause.ResumeKey)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, pause.RunID)
	assert.Equal(t, schema.PauseKindWebhook, pause.Kind)

	run, err := ms.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, run.Status)
}

func TestRunnerResume_CompletesRun(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, webhookFlow())
	r := newTestRunner(t, ms, passValidator{})

	paused, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-hook"})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPaused, paused.Status)

	result, err := r.Resume(context.Background(), &schema.ResumePayload{
		ResumeKey: paused.Pause.ResumeKey,
		Body:      json.RawMessage(`{"approved": true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, paused.RunID, result.RunID)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)

	// The callback body surfaced as the paused action's output.
	wait, ok := result.Output["wait"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"approved": true}, wait["callback"])

	run, err := ms.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
}

func TestRunnerResume_ExactlyOnce(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, webhookFlow())
	r := newTestRunner(t, ms, passValidator{})

	paused, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-hook"})
	require.NoError(t, err)

	payload := &schema.ResumePayload{ResumeKey: paused.Pause.ResumeKey}
	_, err = r.Resume(context.Background(), payload)
	require.NoError(t, err)

	// The continuation was consumed; a second delivery is rejected.
	_, err = r.Resume(context.Background(), payload)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestRunnerResume_UnknownKey(t *testing.T) {
	r := newTestRunner(t, newMemStore(), passValidator{})

	_, err := r.Resume(context.Background(), &schema.ResumePayload{ResumeKey: "nope"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestRunnerResume_MissingKey(t *testing.T) {
	r := newTestRunner(t, newMemStore(), passValidator{})

	_, err := r.Resume(context.Background(), &schema.ResumePayload{})
	require.Error(t, err)
	_, err = r.Resume(context.Background(), nil)
	require.Error(t, err)
}

func TestRunnerResumeByKey_WakesDelayedRun(t *testing.T) {
	ms := newMemStore()
	flow := webhookFlow()
	saveFlow(t, ms, flow)
	r := newTestRunner(t, ms, passValidator{})

	paused, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-hook"})
	require.NoError(t, err)

	require.NoError(t, r.ResumeByKey(context.Background(), paused.Pause.ResumeKey))

	run, err := ms.GetRun(context.Background(), paused.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)
}

func TestRunnerCancel_PausedRun(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, webhookFlow())
	r := newTestRunner(t, ms, passValidator{})

	paused, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-hook"})
	require.NoError(t, err)

	require.NoError(t, r.Cancel(context.Background(), paused.RunID, "operator request"))

	run, err := ms.GetRun(context.Background(), paused.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.Contains(t, string(run.Error), "operator request")
}

func TestRunnerCancel_TerminalRunRejected(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, passValidator{})

	result, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-linear"})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	err = r.Cancel(context.Background(), result.RunID, "too late")
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestRunnerCancel_UnknownRun(t *testing.T) {
	r := newTestRunner(t, newMemStore(), passValidator{})
	require.Error(t, r.Cancel(context.Background(), "missing", ""))
}

func TestRunnerStatus(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, passValidator{})

	result, err := r.Execute(context.Background(), ExecuteRequest{FlowVersionID: "fv-linear"})
	require.NoError(t, err)

	view, err := r.Status(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, view.Run.Status)
	assert.Len(t, view.Steps, 2)
	assert.NotEmpty(t, view.Events)

	assert.Contains(t, view.Diagram, "graph TD")
	assert.Contains(t, view.Diagram, "class add completed")
	assert.Contains(t, view.Diagram, "class double completed")
}

func TestRunnerTestStep(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, passValidator{})

	// Run only "double" against a synthetic context for "add".
	outcome, err := r.TestStep(context.Background(), TestStepRequest{
		FlowVersionID: "fv-linear",
		ActionName:    "double",
		Context:       map[string]any{"add": 21},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, outcome.Status)
	assert.EqualValues(t, 42, outcome.Context["double"].Output)

	// Nothing was persisted.
	assert.Empty(t, ms.runs)
	assert.Empty(t, ms.stepStates)
}

func TestRunnerTestStep_UnknownAction(t *testing.T) {
	ms := newMemStore()
	saveFlow(t, ms, linearFlow())
	r := newTestRunner(t, ms, passValidator{})

	outcome, err := r.TestStep(context.Background(), TestStepRequest{
		FlowVersionID: "fv-linear",
		ActionName:    "ghost",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, outcome.Status)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, schema.ErrCodeInvalidAction, outcome.Error.Code)
}

func TestRunnerTestStep_RequiresActionName(t *testing.T) {
	r := newTestRunner(t, newMemStore(), passValidator{})
	_, err := r.TestStep(context.Background(), TestStepRequest{FlowVersionID: "fv"})
	require.Error(t, err)
}
