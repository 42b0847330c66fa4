// Package cron computes next-fire times for cron-triggered tasks and
// workflows, and drives a periodic tick that creates work for anything due.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentorch/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextFire parses the cron expression and returns its next occurrence
// strictly after `after`, in UTC.
func NextFire(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()).UTC(), nil
}

// TaskRunner creates a fresh queued Run for a cron Task when it fires.
type TaskRunner interface {
	CreateCronRun(ctx context.Context, taskID string) error
}

// WorkflowTrigger starts a new WorkflowExecution when a cron-triggered
// workflow fires.
type WorkflowTrigger interface {
	StartExecution(ctx context.Context, workflowID string) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *store.Store
	Runner   TaskRunner
	Trigger  WorkflowTrigger
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks for due cron tasks and cron-triggered
// workflows and fires each one exactly once per occurrence.
type Scheduler struct {
	store    *store.Store
	runner   TaskRunner
	trigger  WorkflowTrigger
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		trigger:  cfg.Trigger,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	tasks, err := s.store.ListCronTasks(ctx)
	if err != nil {
		s.logger.Error("cron: list cron tasks", "error", err)
	}
	for _, t := range tasks {
		s.fireTask(ctx, t, now)
	}

	workflows, err := s.store.ListCronWorkflows(ctx)
	if err != nil {
		s.logger.Error("cron: list cron workflows", "error", err)
	}
	for _, w := range workflows {
		s.fireWorkflow(ctx, w, now)
	}
}

func (s *Scheduler) fireTask(ctx context.Context, t store.Task, now time.Time) {
	scheduleID := "task:" + t.ID
	next, err := s.store.DueCronState(ctx, scheduleID)
	if err != nil {
		s.logger.Error("cron: read schedule state", "schedule_id", scheduleID, "error", err)
		return
	}
	if !next.IsZero() && now.Before(next) {
		return
	}
	if s.runner != nil {
		if err := s.runner.CreateCronRun(ctx, t.ID); err != nil {
			s.logger.Error("cron: create run for task", "task_id", t.ID, "error", err)
			return
		}
	}
	s.recordNext(ctx, scheduleID, t.CronExpression, now)
}

func (s *Scheduler) fireWorkflow(ctx context.Context, w store.WorkflowRecord, now time.Time) {
	scheduleID := "workflow:" + w.ID
	next, err := s.store.DueCronState(ctx, scheduleID)
	if err != nil {
		s.logger.Error("cron: read schedule state", "schedule_id", scheduleID, "error", err)
		return
	}
	if !next.IsZero() && now.Before(next) {
		return
	}
	if s.trigger != nil {
		if err := s.trigger.StartExecution(ctx, w.ID); err != nil {
			s.logger.Error("cron: start workflow execution", "workflow_id", w.ID, "error", err)
			return
		}
	}
	s.recordNext(ctx, scheduleID, w.TriggerCron, now)
}

func (s *Scheduler) recordNext(ctx context.Context, scheduleID, cronExpr string, now time.Time) {
	next, err := NextFire(cronExpr, now)
	if err != nil {
		s.logger.Error("cron: compute next fire", "schedule_id", scheduleID, "cron_expr", cronExpr, "error", err)
		return
	}
	if err := s.store.RecordCronFire(ctx, scheduleID, now, next); err != nil {
		s.logger.Error("cron: record fire", "schedule_id", scheduleID, "error", err)
		return
	}
	s.logger.Info("cron: fired", "schedule_id", scheduleID, "next_run_at", next)
}
