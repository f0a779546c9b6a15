package progress

import (
	"context"
	"log/slog"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// StepUpdate describes one recorded action for the reporter.
type StepUpdate struct {
	RunID      string
	ActionName string
	Status     schema.StepStatus
	Summary    string
	DurationMs int64
}

// RunUpdate describes a run's terminal outcome for the reporter.
type RunUpdate struct {
	RunID        string
	Status       schema.RunStatus
	FailedAction string
	Summary      string
}

// Reporter receives progress notifications. Delivery is fire-and-forget:
// the interpreter logs reporter errors and never lets them block or fail
// the run.
type Reporter interface {
	ReportStep(ctx context.Context, update StepUpdate) error
	ReportRun(ctx context.Context, update RunUpdate) error
}

// LogReporter writes progress to structured logs.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a slog-backed reporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportStep(ctx context.Context, u StepUpdate) error {
	r.logger.InfoContext(ctx, "step progress",
		"run_id", u.RunID,
		"action", u.ActionName,
		"status", string(u.Status),
		"duration_ms", u.DurationMs,
	)
	return nil
}

func (r *LogReporter) ReportRun(ctx context.Context, u RunUpdate) error {
	attrs := []any{"run_id", u.RunID, "status", string(u.Status)}
	if u.FailedAction != "" {
		attrs = append(attrs, "failed_action", u.FailedAction)
	}
	r.logger.InfoContext(ctx, "run progress", attrs...)
	return nil
}

// EventReporter appends progress to a run's event log.
type EventReporter struct {
	appender interface {
		AppendEvent(ctx context.Context, event *schema.Event) error
	}
}

// NewEventReporter creates a store-backed reporter.
func NewEventReporter(appender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}) *EventReporter {
	return &EventReporter{appender: appender}
}

func (r *EventReporter) ReportStep(ctx context.Context, u StepUpdate) error {
	return r.appender.AppendEvent(ctx, &schema.Event{
		RunID:      u.RunID,
		ActionName: u.ActionName,
		Type:       "progress.step",
		Payload: map[string]any{
			"status":      string(u.Status),
			"summary":     u.Summary,
			"duration_ms": u.DurationMs,
		},
	})
}

func (r *EventReporter) ReportRun(ctx context.Context, u RunUpdate) error {
	payload := map[string]any{"status": string(u.Status)}
	if u.FailedAction != "" {
		payload["failed_action"] = u.FailedAction
	}
	if u.Summary != "" {
		payload["summary"] = u.Summary
	}
	return r.appender.AppendEvent(ctx, &schema.Event{
		RunID:   u.RunID,
		Type:    "progress.run",
		Payload: payload,
	})
}

// Multi fans one update out to several reporters. Every reporter sees
// every update; the first error is returned after all deliveries.
type Multi struct {
	reporters []Reporter
}

// NewMulti creates a fan-out reporter.
func NewMulti(reporters ...Reporter) *Multi {
	return &Multi{reporters: reporters}
}

func (m *Multi) ReportStep(ctx context.Context, u StepUpdate) error {
	var first error
	for _, r := range m.reporters {
		if err := r.ReportStep(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) ReportRun(ctx context.Context, u RunUpdate) error {
	var first error
	for _, r := range m.reporters {
		if err := r.ReportRun(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Noop discards all progress.
type Noop struct{}

func (Noop) ReportStep(ctx context.Context, u StepUpdate) error { return nil }
func (Noop) ReportRun(ctx context.Context, u RunUpdate) error   { return nil }
