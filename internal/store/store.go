package store

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Flow versions
	SaveFlowVersion(ctx context.Context, fv *FlowVersionRecord) error
	GetFlowVersion(ctx context.Context, id string) (*FlowVersionRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)

	// Step state (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	ListStepStates(ctx context.Context, runID string) ([]*StepState, error)

	// Paused continuations
	SavePause(ctx context.Context, pause *PausedRun) error
	GetPauseByResumeKey(ctx context.Context, resumeKey string) (*PausedRun, error)
	ListDueResumes(ctx context.Context, now time.Time, limit int) ([]*PausedRun, error)
	MarkResumed(ctx context.Context, resumeKey string) error

	// Connections
	StoreConnection(ctx context.Context, key string, value []byte) error
	GetConnection(ctx context.Context, key string) ([]byte, error)
	DeleteConnection(ctx context.Context, key string) error
	ListConnections(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
