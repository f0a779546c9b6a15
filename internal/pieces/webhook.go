package pieces

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/google/uuid"
)

// WebhookPiece is the builtin "webhook" piece. Its wait_for_callback
// action suspends the run until an external caller delivers the resume
// key to the public callback URL.
type WebhookPiece struct{}

// NewWebhookPiece creates the builtin webhook piece.
func NewWebhookPiece() *WebhookPiece {
	return &WebhookPiece{}
}

func (p *WebhookPiece) Name() string      { return "webhook" }
func (p *WebhookPiece) Version() string   { return "1.0.0" }
func (p *WebhookPiece) Actions() []string { return []string{"wait_for_callback"} }

func (p *WebhookPiece) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if req.ActionName != "wait_for_callback" {
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable,
			"webhook piece has no action %q", req.ActionName)
	}

	// Second invocation: the callback arrived, its body is the output.
	if req.Resumed() {
		var body any
		if len(req.Resume.Body) > 0 {
			if err := json.Unmarshal(req.Resume.Body, &body); err != nil {
				body = string(req.Resume.Body)
			}
		}
		return &Result{Output: map[string]any{"callback": body}}, nil
	}

	key := uuid.NewString()
	callbackURL := ""
	if req.PublicURL != "" {
		callbackURL = fmt.Sprintf("%s/v1/runs/%s/resume/%s", req.PublicURL, req.RunID, key)
	}

	return &Result{
		Output: map[string]any{"callback_url": callbackURL},
		Pause: &PauseRequest{
			Kind:      schema.PauseKindWebhook,
			ResumeKey: key,
		},
	}, nil
}
