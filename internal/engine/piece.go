package engine

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/pieces"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// executePiece resolves the provider and invokes the named piece action
// with fully resolved input. A pause in the result suspends the run; the
// snapshot taken here becomes the continuation marker's context.
func (it *Interpreter) executePiece(ctx context.Context, action *schema.Action, rc *expressions.RunContext, ws *walkState, resume *schema.ResumePayload) (*dispatchResult, error) {
	settings := action.Piece
	if settings == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"piece action %q has no settings", action.Name).WithAction(action.Name)
	}
	if it.registry == nil {
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable,
			"piece action %q: no piece registry configured", action.Name).WithAction(action.Name)
	}

	piece, err := it.registry.Resolve(settings.PieceName, settings.PieceVersion, ws.constants.FlowVersionState)
	if err != nil {
		return nil, err
	}

	input, err := it.resolver.ResolveMap(ctx, settings.Input, rc.Scope())
	if err != nil {
		return nil, err
	}

	req := &pieces.Request{
		ActionName:  settings.ActionName,
		Input:       input,
		RunID:       ws.constants.RunID,
		FlowID:      ws.constants.FlowID,
		ProjectID:   ws.constants.ProjectID,
		EngineToken: ws.constants.EngineToken,
		PublicURL:   ws.constants.PublicURL,
		InternalURL: ws.constants.InternalURL,
		Resume:      resume,
	}

	result, err := piece.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if result.Pause != nil {
		return &dispatchResult{
			pause: &pauseSignal{
				kind:       result.Pause.Kind,
				actionName: action.Name,
				resumeKey:  result.Pause.ResumeKey,
				resumeAt:   result.Pause.ResumeAt,
				context:    rc.Snapshot(),
			},
		}, nil
	}

	return &dispatchResult{output: result.Output}, nil
}
