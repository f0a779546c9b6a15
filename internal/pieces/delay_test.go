package pieces

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

func TestDelayPiece_ShortDelaySleepsInline(t *testing.T) {
	p := NewDelayPiece()

	start := time.Now()
	res, err := p.Invoke(context.Background(), &Request{
		ActionName: "delay_for",
		Input:      map[string]any{"ms": float64(20)},
	})
	require.NoError(t, err)
	require.Nil(t, res.Pause)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, map[string]any{"delayed": true}, res.Output)
}

func TestDelayPiece_LongDelayPausesWithResumeAt(t *testing.T) {
	fixed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	p := &DelayPiece{now: func() time.Time { return fixed }}

	res, err := p.Invoke(context.Background(), &Request{
		ActionName: "delay_for",
		Input:      map[string]any{"duration": "1h"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pause)
	assert.Equal(t, schema.PauseKindDelay, res.Pause.Kind)
	assert.NotEmpty(t, res.Pause.ResumeKey)
	assert.Equal(t, fixed.Add(time.Hour), res.Pause.ResumeAt)
}

func TestDelayPiece_DelayUntilPast(t *testing.T) {
	p := NewDelayPiece()

	res, err := p.Invoke(context.Background(), &Request{
		ActionName: "delay_until",
		Input:      map[string]any{"until": "2020-01-01T00:00:00Z"},
	})
	require.NoError(t, err)
	require.Nil(t, res.Pause)
	assert.Equal(t, map[string]any{"delayed": false}, res.Output)
}

func TestDelayPiece_DelayUntilFuturePauses(t *testing.T) {
	fixed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	p := &DelayPiece{now: func() time.Time { return fixed }}

	res, err := p.Invoke(context.Background(), &Request{
		ActionName: "delay_until",
		Input:      map[string]any{"until": "2026-08-24T12:00:00Z"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pause)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), res.Pause.ResumeAt)
}

func TestDelayPiece_ResumedInvocationCompletes(t *testing.T) {
	p := NewDelayPiece()

	res, err := p.Invoke(context.Background(), &Request{
		ActionName: "delay_for",
		Resume:     &schema.ResumePayload{ResumeKey: "wake"},
	})
	require.NoError(t, err)
	require.Nil(t, res.Pause)
	out := res.Output.(map[string]any)
	assert.Equal(t, true, out["resumed"])
}

func TestDelayPiece_InputValidation(t *testing.T) {
	p := NewDelayPiece()

	tests := []struct {
		name  string
		req   *Request
	}{
		{"missing params", &Request{ActionName: "delay_for"}},
		{"bad duration", &Request{ActionName: "delay_for", Input: map[string]any{"duration": "soonish"}}},
		{"missing until", &Request{ActionName: "delay_until"}},
		{"bad until", &Request{ActionName: "delay_until", Input: map[string]any{"until": "tomorrow"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Invoke(context.Background(), tc.req)
			require.Error(t, err)
			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		})
	}
}

func TestDelayPiece_UnknownAction(t *testing.T) {
	p := NewDelayPiece()

	_, err := p.Invoke(context.Background(), &Request{ActionName: "snooze"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodePieceUnavailable, fe.Code)
}

func TestDelayPiece_CancelledDuringSleep(t *testing.T) {
	p := NewDelayPiece()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := p.Invoke(ctx, &Request{
		ActionName: "delay_for",
		Input:      map[string]any{"duration": "3s"},
	})
	require.ErrorIs(t, err, context.Canceled)
}
