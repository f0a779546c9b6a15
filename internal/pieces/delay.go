package pieces

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/google/uuid"
)

// shortDelayThreshold is the longest delay served in-process. Anything
// longer pauses the run so no timer is held across the wait; the
// scheduler wakes it when due.
const shortDelayThreshold = 5 * time.Second

// DelayPiece is the builtin "delay" piece. Its delay_for action either
// sleeps (short delays) or suspends the run with a scheduled resume.
type DelayPiece struct {
	now func() time.Time
}

// NewDelayPiece creates the builtin delay piece.
func NewDelayPiece() *DelayPiece {
	return &DelayPiece{now: time.Now}
}

func (p *DelayPiece) Name() string      { return "delay" }
func (p *DelayPiece) Version() string   { return "1.0.0" }
func (p *DelayPiece) Actions() []string { return []string{"delay_for", "delay_until"} }

func (p *DelayPiece) Invoke(ctx context.Context, req *Request) (*Result, error) {
	// A resumed invocation means the scheduled wake fired; the wait is over.
	if req.Resumed() {
		return &Result{Output: map[string]any{"delayed": true, "resumed": true}}, nil
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}

	var until time.Time
	switch req.ActionName {
	case "delay_for":
		d, err := parseDelay(input)
		if err != nil {
			return nil, err
		}
		until = p.now().Add(d)
	case "delay_until":
		raw := stringParam(input, "until", "")
		if raw == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "delay.delay_until: missing required param 'until'")
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay.delay_until: invalid timestamp %q", raw).WithCause(err)
		}
		until = t
	default:
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable,
			"delay piece has no action %q", req.ActionName)
	}

	remaining := until.Sub(p.now())
	if remaining <= 0 {
		return &Result{Output: map[string]any{"delayed": false}}, nil
	}

	if remaining <= shortDelayThreshold {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
			return &Result{Output: map[string]any{"delayed": true}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &Result{
		Pause: &PauseRequest{
			Kind:      schema.PauseKindDelay,
			ResumeKey: uuid.NewString(),
			ResumeAt:  until,
		},
	}, nil
}

func parseDelay(input map[string]any) (time.Duration, error) {
	if ds := stringParam(input, "duration", ""); ds != "" {
		d, err := time.ParseDuration(ds)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "delay.delay_for: invalid duration %q", ds).WithCause(err)
		}
		return d, nil
	}
	if ms := floatParam(input, "ms", -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	if secs := floatParam(input, "seconds", -1); secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, schema.NewError(schema.ErrCodeValidation,
		"delay.delay_for: one of 'duration', 'ms', or 'seconds' is required")
}
