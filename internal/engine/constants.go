package engine

import "github.com/conveyorhq/conveyor/pkg/schema"

// ProgressMode selects how much the progress reporter is told.
type ProgressMode string

const (
	ProgressModeNone    ProgressMode = "none"
	ProgressModePerStep ProgressMode = "per_step"
	ProgressModeFinal   ProgressMode = "final"
)

// EngineConstants is the immutable per-run bundle handed to the
// interpreter. Constructed once per run and read-only afterwards;
// everything mutable lives in the RunContext.
type EngineConstants struct {
	FlowID           string
	FlowVersionID    string
	FlowVersionState schema.FlowVersionState
	RunID            string
	ProjectID        string

	// PublicURL and InternalURL are handed to pieces so callbacks and
	// internal API calls can be addressed without global configuration.
	PublicURL   string
	InternalURL string

	// EngineToken is the opaque run-scoped credential pieces present
	// when calling back. The engine never inspects it.
	EngineToken string

	RetryPolicy  *schema.RetryPolicy
	ProgressMode ProgressMode

	// SingleStepMode executes exactly TargetActionName against the
	// supplied context and returns, without walking the rest of the graph.
	SingleStepMode   bool
	TargetActionName string

	// ResumePayload is present only on resume entry.
	ResumePayload *schema.ResumePayload

	// HandlerID and HTTPRequestID are opaque correlation hints passed
	// through to progress reports.
	HandlerID     string
	HTTPRequestID string
}

// EffectiveRetryPolicy returns the run's retry policy, falling back to
// defaults when none was supplied.
func (c *EngineConstants) EffectiveRetryPolicy() *schema.RetryPolicy {
	if c != nil && c.RetryPolicy != nil {
		return c.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// DefaultRetryPolicy is applied when the run carries no explicit policy:
// up to 4 attempts with 1s base delay doubling per retry.
func DefaultRetryPolicy() *schema.RetryPolicy {
	return &schema.RetryPolicy{
		MaxAttempts:      4,
		RetryExponential: 2,
		RetryInterval:    "1s",
	}
}

// FlowMetadata builds the flow namespace exposed to the resolver.
func (c *EngineConstants) FlowMetadata() map[string]any {
	return map[string]any{
		"id":         c.FlowID,
		"run_id":     c.RunID,
		"version_id": c.FlowVersionID,
	}
}
