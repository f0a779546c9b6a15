package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorhq/conveyor/internal/store"
)

// defaultBatchSize bounds how many due continuations one tick picks up.
const defaultBatchSize = 50

// RunResumer is the interface the scheduler uses to wake paused runs.
// Satisfied by the runner (avoids import cycle).
type RunResumer interface {
	ResumeByKey(ctx context.Context, resumeKey string) error
}

// Scheduler polls the store for delay-paused runs whose resume time has
// passed and wakes them. The poll cadence is a cron expression so deploys
// can align wakeups with their delay granularity.
type Scheduler struct {
	store    store.Store
	resumer  RunResumer
	parser   cron.Parser
	schedule cron.Schedule
	logger   *slog.Logger
	batch    int
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // resume keys currently executing (dedup)
}

// NewScheduler creates a Scheduler polling on the given cron expression.
// An empty expression defaults to every minute.
func NewScheduler(s store.Store, resumer RunResumer, pollExpr string, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if pollExpr == "" {
		pollExpr = "* * * * *"
	}
	schedule, err := parser.Parse(pollExpr)
	if err != nil {
		return nil, fmt.Errorf("parse poll schedule %q: %w", pollExpr, err)
	}
	return &Scheduler{
		store:    s,
		resumer:  resumer,
		parser:   parser,
		schedule: schedule,
		logger:   logger,
		batch:    defaultBatchSize,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick wakes every due delayed run once. Exported so a resume endpoint or
// test can force a poll without waiting for the schedule.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	pauses, err := s.store.ListDueResumes(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("failed to list due resumes", slog.String("error", err.Error()))
		return
	}

	for _, pause := range pauses {
		if !s.tryAcquire(pause.ResumeKey) {
			continue // already resuming (dedup)
		}
		if err := s.wake(ctx, pause); err != nil {
			s.logger.Error("failed to resume delayed run",
				slog.String("run_id", pause.RunID),
				slog.String("resume_key", pause.ResumeKey),
				slog.String("error", err.Error()),
			)
		}
		s.release(pause.ResumeKey)
	}
}

// wake marks the continuation consumed and resumes the run. Marking first
// makes the wakeup exactly-once: a concurrent poller loses the update and
// skips.
func (s *Scheduler) wake(ctx context.Context, pause *store.PausedRun) error {
	if err := s.store.MarkResumed(ctx, pause.ResumeKey); err != nil {
		// Another poller got there first.
		s.logger.Debug("continuation already consumed",
			slog.String("resume_key", pause.ResumeKey))
		return nil
	}

	s.logger.Info("resuming delayed run",
		slog.String("run_id", pause.RunID),
		slog.String("resume_key", pause.ResumeKey),
	)
	return s.resumer.ResumeByKey(ctx, pause.ResumeKey)
}

// tryAcquire returns true and marks the key as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(resumeKey string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[resumeKey]; ok {
		return false
	}
	s.inflight[resumeKey] = struct{}{}
	return true
}

// release removes the key from the in-flight set.
func (s *Scheduler) release(resumeKey string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, resumeKey)
}

// NextPoll computes the poll time following from.
func (s *Scheduler) NextPoll(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
