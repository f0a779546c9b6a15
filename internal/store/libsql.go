package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, flow_version_id, project_id, status, input, output, error, created_at, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.FlowVersionID, nullStr(run.ProjectID), string(run.Status),
		nullRaw(run.Input), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.FinishedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var (
		projectID                   sql.NullString
		inputJSON, outJSON, errJSON sql.NullString
		startedAt, finishedAt       sql.NullTime
		status                      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, flow_version_id, project_id, status, input, output, error, created_at, started_at, finished_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.FlowID, &r.FlowVersionID, &projectID, &status,
		&inputJSON, &outJSON, &errJSON, &r.CreatedAt, &startedAt, &finishedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.ProjectID = projectID.String
	r.Status = schema.RunStatus(status)
	r.Input = rawOrNil(inputJSON)
	r.Output = rawOrNil(outJSON)
	r.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, flow_id, flow_version_id, project_id, status, input, output, error, created_at, started_at, finished_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var (
			projectID                   sql.NullString
			inputJSON, outJSON, errJSON sql.NullString
			startedAt, finishedAt       sql.NullTime
			status                      string
		)
		if err := rows.Scan(&r.ID, &r.FlowID, &r.FlowVersionID, &projectID, &status,
			&inputJSON, &outJSON, &errJSON, &r.CreatedAt, &startedAt, &finishedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.ProjectID = projectID.String
		r.Status = schema.RunStatus(status)
		r.Input = rawOrNil(inputJSON)
		r.Output = rawOrNil(outJSON)
		r.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Flow versions ---

func (s *LibSQLStore) SaveFlowVersion(ctx context.Context, fv *FlowVersionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_versions (id, flow_id, state, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		fv.ID, fv.FlowID, string(fv.State), string(fv.Definition),
		timeOrNow(fv.CreatedAt), timeOrNow(fv.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlowVersion(ctx context.Context, id string) (*FlowVersionRecord, error) {
	fv := &FlowVersionRecord{}
	var state, defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, state, definition, created_at, updated_at FROM flow_versions WHERE id = ?`, id,
	).Scan(&fv.ID, &fv.FlowID, &state, &defJSON, &fv.CreatedAt, &fv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow_version", id)
	}
	if err != nil {
		return nil, err
	}
	fv.State = schema.FlowVersionState(state)
	fv.Definition = json.RawMessage(defJSON)
	return fv, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next per-run sequence number.
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

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, action_name, event_type, payload, sequence, created_at
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var actionName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &actionName, &e.Type, &payload, &e.Seq, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActionName = actionName.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_states (run_id, action_name, status, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, action_name) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.RunID, state.ActionName, string(state.Status),
		nullRaw(state.Output), nullRaw(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, action_name, status, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_states WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.RunID, &ss.ActionName, &status, &output, &errJSON,
			&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		ss.Output = rawOrNil(output)
		ss.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Paused continuations ---

func (s *LibSQLStore) SavePause(ctx context.Context, pause *PausedRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paused_runs (resume_key, run_id, kind, resume_at, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(resume_key) DO UPDATE SET
		   kind=excluded.kind, resume_at=excluded.resume_at, metadata=excluded.metadata, resumed_at=NULL`,
		pause.ResumeKey, pause.RunID, string(pause.Kind),
		nullTime(pause.ResumeAt), string(pause.Metadata), timeOrNow(pause.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPauseByResumeKey(ctx context.Context, resumeKey string) (*PausedRun, error) {
	p := &PausedRun{}
	var kind, metadata string
	var resumeAt, resumedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_key, run_id, kind, resume_at, metadata, created_at, resumed_at
		 FROM paused_runs WHERE resume_key = ?`, resumeKey,
	).Scan(&p.ResumeKey, &p.RunID, &kind, &resumeAt, &metadata, &p.CreatedAt, &resumedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("paused_run", resumeKey)
	}
	if err != nil {
		return nil, err
	}
	p.Kind = schema.PauseKind(kind)
	p.Metadata = json.RawMessage(metadata)
	if resumeAt.Valid {
		p.ResumeAt = &resumeAt.Time
	}
	if resumedAt.Valid {
		p.ResumedAt = &resumedAt.Time
	}
	return p, nil
}

func (s *LibSQLStore) ListDueResumes(ctx context.Context, now time.Time, limit int) ([]*PausedRun, error) {
	query := `SELECT resume_key, run_id, kind, resume_at, metadata, created_at, resumed_at
		 FROM paused_runs
		 WHERE resumed_at IS NULL AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY resume_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pauses []*PausedRun
	for rows.Next() {
		p := &PausedRun{}
		var kind, metadata string
		var resumeAt, resumedAt sql.NullTime
		if err := rows.Scan(&p.ResumeKey, &p.RunID, &kind, &resumeAt, &metadata, &p.CreatedAt, &resumedAt); err != nil {
			return nil, err
		}
		p.Kind = schema.PauseKind(kind)
		p.Metadata = json.RawMessage(metadata)
		if resumeAt.Valid {
			p.ResumeAt = &resumeAt.Time
		}
		if resumedAt.Valid {
			p.ResumedAt = &resumedAt.Time
		}
		pauses = append(pauses, p)
	}
	return pauses, rows.Err()
}

func (s *LibSQLStore) MarkResumed(ctx context.Context, resumeKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paused_runs SET resumed_at = CURRENT_TIMESTAMP WHERE resume_key = ? AND resumed_at IS NULL`,
		resumeKey,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "paused_run", resumeKey)
}

// --- Connections ---

func (s *LibSQLStore) StoreConnection(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetConnection(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM connections WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connection", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteConnection(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "connection", key)
}

func (s *LibSQLStore) ListConnections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM connections ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
