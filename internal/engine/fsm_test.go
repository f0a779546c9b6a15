package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

type recordingAppender struct {
	events []*schema.Event
	err    error
}

func (a *recordingAppender) AppendEvent(_ context.Context, event *schema.Event) error {
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, event)
	return nil
}

func TestRunFSM_ValidTransitions(t *testing.T) {
	tests := []struct {
		from, to  schema.RunStatus
		wantEvent string
	}{
		{schema.RunStatusPending, schema.RunStatusRunning, schema.EventRunStarted},
		{schema.RunStatusPending, schema.RunStatusCancelled, schema.EventRunCancelled},
		{schema.RunStatusRunning, schema.RunStatusPaused, schema.EventRunPaused},
		{schema.RunStatusRunning, schema.RunStatusSucceeded, schema.EventRunSucceeded},
		{schema.RunStatusRunning, schema.RunStatusFailed, schema.EventRunFailed},
		{schema.RunStatusRunning, schema.RunStatusCancelled, schema.EventRunCancelled},
		{schema.RunStatusPaused, schema.RunStatusRunning, schema.EventRunStarted},
		{schema.RunStatusPaused, schema.RunStatusFailed, schema.EventRunFailed},
		{schema.RunStatusPaused, schema.RunStatusCancelled, schema.EventRunCancelled},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &recordingAppender{}
			fsm := NewRunFSM(appender)

			require.NoError(t, fsm.Transition(context.Background(), "run-1", tc.from, tc.to))
			require.Len(t, appender.events, 1)
			assert.Equal(t, tc.wantEvent, appender.events[0].Type)
			assert.Equal(t, "run-1", appender.events[0].RunID)
		})
	}
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusPending, schema.RunStatusSucceeded},
		{schema.RunStatusPending, schema.RunStatusPaused},
		{schema.RunStatusSucceeded, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusCancelled, schema.RunStatusRunning},
		{schema.RunStatusPaused, schema.RunStatusSucceeded},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &recordingAppender{}
			fsm := NewRunFSM(appender)

			err := fsm.Transition(context.Background(), "run-1", tc.from, tc.to)
			require.Error(t, err)

			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
			assert.Empty(t, appender.events, "invalid transitions emit nothing")
		})
	}
}

func TestRunFSM_TerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []schema.RunStatus{
		schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled,
	} {
		assert.Empty(t, ValidRunTransitions[terminal], "%s must be terminal", terminal)
	}
}

func TestRunFSM_AppenderFailureSurfacesAsStoreError(t *testing.T) {
	fsm := NewRunFSM(&recordingAppender{err: errors.New("disk full")})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}

func TestRunFSM_NilAppenderStillGuards(t *testing.T) {
	fsm := NewRunFSM(nil)

	require.NoError(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusPending, schema.RunStatusRunning))
	require.Error(t, fsm.Transition(context.Background(), "run-1",
		schema.RunStatusSucceeded, schema.RunStatusRunning))
}

func TestStepFSM_ValidTransitions(t *testing.T) {
	tests := []struct {
		from, to  schema.StepStatus
		wantEvent string
	}{
		{schema.StepStatusPending, schema.StepStatusRunning, schema.EventStepStarted},
		{schema.StepStatusRunning, schema.StepStatusCompleted, schema.EventStepCompleted},
		{schema.StepStatusRunning, schema.StepStatusFailed, schema.EventStepFailed},
		{schema.StepStatusRunning, schema.StepStatusRetrying, schema.EventStepRetrying},
		{schema.StepStatusRunning, schema.StepStatusPaused, schema.EventStepPaused},
		{schema.StepStatusRetrying, schema.StepStatusRunning, schema.EventStepStarted},
		{schema.StepStatusRetrying, schema.StepStatusFailed, schema.EventStepFailed},
		{schema.StepStatusPaused, schema.StepStatusRunning, schema.EventStepStarted},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &recordingAppender{}
			fsm := NewStepFSM(appender)

			require.NoError(t, fsm.Transition(context.Background(), "run-1", "fetch", tc.from, tc.to))
			require.Len(t, appender.events, 1)
			assert.Equal(t, tc.wantEvent, appender.events[0].Type)
			assert.Equal(t, "fetch", appender.events[0].ActionName)
		})
	}
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusFailed},
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusRunning},
		{schema.StepStatusRetrying, schema.StepStatusCompleted},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			fsm := NewStepFSM(&recordingAppender{})

			err := fsm.Transition(context.Background(), "run-1", "fetch", tc.from, tc.to)
			require.Error(t, err)

			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
			assert.Equal(t, "fetch", fe.ActionName)
		})
	}
}
