package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// A write-intent statement forces lock acquisition up front so concurrent
// appenders cannot interleave sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction, so acquire the
	// write lock explicitly with a noop write before reading the sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Seq = seq

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payload, err := nullableMap(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, run_id, action_name, event_type, payload, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, nullStr(event.ActionName), event.Type, payload, seq, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayEvents replays all events for a run and returns the reconstructed
// step states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Seq != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Seq)
		}
	}

	states := make(map[string]*StepState)

	for _, e := range events {
		if e.ActionName == "" {
			continue
		}

		ss, ok := states[e.ActionName]
		if !ok {
			ss = &StepState{
				RunID:      runID,
				ActionName: e.ActionName,
				Status:     schema.StepStatusPending,
			}
			states[e.ActionName] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.CreatedAt
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.CreatedAt
			ss.CompletedAt = &ts
			ss.Output = payloadField(e.Payload, "output")
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = payloadField(e.Payload, "error")

		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
			ss.RetryCount++

		case schema.EventStepPaused:
			ss.Status = schema.StepStatusPaused
		}
	}

	return states, nil
}

// payloadField marshals a single key of an event payload, if present.
func payloadField(payload map[string]any, key string) json.RawMessage {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
