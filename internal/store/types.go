package store

import (
	"encoding/json"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Run is the persisted representation of a flow run.
type Run struct {
	ID            string           `json:"id"`
	FlowID        string           `json:"flow_id"`
	FlowVersionID string           `json:"flow_version_id"`
	ProjectID     string           `json:"project_id,omitempty"`
	Status        schema.RunStatus `json:"status"`
	Input         json.RawMessage  `json:"input,omitempty"`
	Output        json.RawMessage  `json:"output,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StepState is the materialized view of an action's latest state within
// a run, reconstructible from the event log.
type StepState struct {
	RunID       string            `json:"run_id"`
	ActionName  string            `json:"action_name"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// PausedRun is a stored continuation: the marker plus the bookkeeping
// the resume paths need (key lookup for webhooks, due time for delays).
type PausedRun struct {
	RunID     string           `json:"run_id"`
	ResumeKey string           `json:"resume_key"`
	Kind      schema.PauseKind `json:"kind"`
	ResumeAt  *time.Time       `json:"resume_at,omitempty"`
	Metadata  json.RawMessage  `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
	ResumedAt *time.Time       `json:"resumed_at,omitempty"`
}

// Connection is an encrypted piece credential entry.
type Connection struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}

// FlowVersionRecord is a persisted flow version document.
type FlowVersionRecord struct {
	ID         string                  `json:"id"`
	FlowID     string                  `json:"flow_id"`
	State      schema.FlowVersionState `json:"state"`
	Definition json.RawMessage         `json:"definition"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	FlowID string            `json:"flow_id,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}
