package schema

import (
	"encoding/json"
	"time"
)

// PauseKind distinguishes why a run paused.
type PauseKind string

const (
	// PauseKindWebhook waits for an external callback carrying the resume key.
	PauseKindWebhook PauseKind = "WEBHOOK"
	// PauseKindDelay waits until ResumeAt; the scheduler wakes it.
	PauseKindDelay PauseKind = "DELAY"
)

// PauseMetadata is the serializable continuation marker produced when a
// run pauses. It is a plain JSON document: a different process can load
// it, rebuild the run context from Context, and resume the walk. The
// paused action itself re-executes on resume with the payload injected.
type PauseMetadata struct {
	Kind       PauseKind `json:"kind"`
	ActionName string    `json:"actionName"`
	ResumeKey  string    `json:"resumeKey"`
	ResumeAt   time.Time `json:"resumeAt,omitzero"`

	// LoopIterations maps a loop action name to the index of the
	// iteration that was in flight when the pause happened. Absent for
	// pauses on the main chain.
	LoopIterations map[string]int `json:"loopIterations,omitempty"`

	// LoopState maps a loop action name to the collected outputs of the
	// iterations that completed before the pause.
	LoopState map[string][]any `json:"loopState,omitempty"`

	// Context is the frozen run context at pause time: every recorded
	// step output, keyed by action name. The resume walk replays these
	// without invoking executors.
	Context map[string]StepOutput `json:"context"`
}

// ResumePayload carries the external data delivered to a paused run.
// The key must match the continuation marker's ResumeKey.
type ResumePayload struct {
	ResumeKey string          `json:"resumeKey"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// ParsePauseMetadata decodes a stored continuation marker.
func ParsePauseMetadata(raw []byte) (*PauseMetadata, error) {
	var pm PauseMetadata
	if err := json.Unmarshal(raw, &pm); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse pause metadata: %s", err.Error()).WithCause(err)
	}
	if pm.ActionName == "" {
		return nil, NewError(ErrCodeValidation, "pause metadata missing action name")
	}
	return &pm, nil
}
