package pieces

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Piece is an external capability provider: a named bundle exposing
// actions the engine can invoke. Implementations live outside the
// engine; the builtin set exists to exercise the contract end to end.
type Piece interface {
	Name() string
	Version() string
	Actions() []string
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// Request is the invocation envelope handed to a piece. Input is fully
// resolved before the piece sees it; the engine never interprets the
// token or URLs, it only forwards them.
type Request struct {
	ActionName string         `json:"actionName"`
	Input      map[string]any `json:"input,omitempty"`

	RunID       string `json:"runId"`
	FlowID      string `json:"flowId"`
	ProjectID   string `json:"projectId,omitempty"`
	EngineToken string `json:"-"`
	PublicURL   string `json:"publicUrl,omitempty"`
	InternalURL string `json:"internalUrl,omitempty"`

	// Resume is set when a paused invocation is re-executed with the
	// external payload delivered.
	Resume *schema.ResumePayload `json:"resume,omitempty"`
}

// Result is what a piece invocation produces. A nil Pause means the
// action completed; a non-nil Pause suspends the run.
type Result struct {
	Output any
	Pause  *PauseRequest
}

// PauseRequest is a piece's legitimate signal that the run must suspend.
type PauseRequest struct {
	Kind      schema.PauseKind
	ResumeKey string
	ResumeAt  time.Time
}

// Resumed reports whether this invocation carries a resume payload.
func (r *Request) Resumed() bool {
	return r.Resume != nil
}
