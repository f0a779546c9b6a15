package engine

import (
	"context"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// EventAppender is satisfied by the store's event log; FSMs emit an
// event for every successful transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// RunFSM validates run lifecycle transitions and emits run events.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run state transition. The caller
// persists the new state; the FSM only guards the table and emits.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &schema.Event{RunID: runID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// StepFSM validates step lifecycle transitions and emits step events.
type StepFSM struct {
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state transition.
func (f *StepFSM) Transition(ctx context.Context, runID, actionName string, from, to schema.StepStatus) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithAction(actionName).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(to)
	if eventType == "" || f.appender == nil {
		return nil
	}
	event := &schema.Event{RunID: runID, ActionName: actionName, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithAction(actionName).WithCause(err)
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusPaused:
		return schema.EventStepPaused
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run state transitions.
// SUCCEEDED, FAILED, and CANCELLED are terminal.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step state transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying, schema.StepStatusPaused},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusPaused:    {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
}
