package schema

import "time"

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single action within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusRetrying  StepStatus = "RETRYING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusPaused    StepStatus = "PAUSED"
)

// Event types appended to the run event log. The log is append-only and
// ordered by a per-run sequence number; replaying it reconstructs the
// run and step states.
const (
	EventRunStarted    = "run.started"
	EventRunSucceeded  = "run.succeeded"
	EventRunFailed     = "run.failed"
	EventRunPaused     = "run.paused"
	EventRunResumed    = "run.resumed"
	EventRunCancelled  = "run.cancelled"
	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepRetrying  = "step.retrying"
	EventStepPaused    = "step.paused"
)

// Event is one append-only entry of a run's event log. Seq is assigned
// by the store and strictly increases within a run, without gaps.
type Event struct {
	ID         string         `json:"id"`
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	ActionName string         `json:"actionName,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// RunOutcome is what the interpreter hands back to its caller. Exactly
// one of the optional fields is set, matching Status.
type RunOutcome struct {
	Status       RunStatus             `json:"status"`
	FailedAction string                `json:"failedAction,omitempty"`
	Error        *FlowError            `json:"error,omitempty"`
	Pause        *PauseMetadata        `json:"pause,omitempty"`
	Context      map[string]StepOutput `json:"context,omitempty"`
}
