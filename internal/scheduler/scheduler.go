// Package scheduler fires schedule-triggered workflows. It polls the workflow
// store for enabled schedules and dispatches a run whenever a workflow's cron
// expression comes due.
//
// Core invariant: a scheduled run is not privileged. It carries no acting
// user, so restricted tools drop out of the effective auto-approve set and
// every approval-gated tool pends like it would for a human-triggered run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/mauzo/internal/workflow"
)

// RunDispatcher starts workflow runs. Implemented by *workflow.Engine.
type RunDispatcher interface {
	Dispatch(ctx context.Context, orgID, workflowID uuid.UUID, userID, triggeredBy string, triggerData map[string]any) (*workflow.Run, error)
}

const defaultMaxConcurrent = 4

// Scheduler polls for due schedule-triggered workflows and dispatches runs.
// It runs as a background goroutine in server mode.
type Scheduler struct {
	store         workflow.Store
	engine        RunDispatcher
	metrics       *Metrics
	logger        *slog.Logger
	pollInterval  time.Duration
	maxConcurrent int
	parser        cron.Parser

	mu      sync.Mutex
	nextRun map[uuid.UUID]time.Time

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Scheduler polling at the given interval.
func New(store workflow.Store, engine RunDispatcher, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		engine:        engine,
		logger:        logger.With(slog.String("component", "scheduler")),
		pollInterval:  pollInterval,
		maxConcurrent: defaultMaxConcurrent,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextRun:       make(map[uuid.UUID]time.Time),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches scheduler metrics.
func (s *Scheduler) SetMetrics(m *Metrics) { s.metrics = m }

// Start begins the polling loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "workflow scheduler started",
			slog.String("poll_interval", s.pollInterval.String()),
			slog.Int("max_concurrent", s.maxConcurrent),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("workflow scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return cancel
}

// Tick runs a single poll cycle: find due schedules, fire them, advance their
// next-run times. Exported so tests can drive the scheduler without the
// ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()

	workflows, err := s.store.ListScheduled(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler poll failed",
			slog.String("error", err.Error()),
		)
		return
	}

	due := s.collectDue(workflows, start)
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "scheduled workflows due",
			slog.Int("count", len(due)),
		)

		sem := make(chan struct{}, s.maxConcurrent)
		var wg sync.WaitGroup
		for i := range due {
			wf := due[i]
			sem <- struct{}{}
			wg.Add(1)
			go func(wf workflow.Workflow) {
				defer wg.Done()
				defer func() { <-sem }()
				s.fire(ctx, &wf)
			}(wf)
		}
		wg.Wait()
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// collectDue returns the workflows whose next-run time has passed and
// advances their schedule. A workflow seen for the first time is scheduled
// from now, so restarts never replay old cron slots.
func (s *Scheduler) collectDue(workflows []workflow.Workflow, now time.Time) []workflow.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(workflows))
	var due []workflow.Workflow

	for i := range workflows {
		wf := workflows[i]
		seen[wf.ID] = true

		sched, err := s.schedule(&wf)
		if err != nil {
			s.logger.Warn("invalid cron expression",
				slog.String("workflow_id", wf.ID.String()),
				slog.String("name", wf.Name),
				slog.String("error", err.Error()),
			)
			if s.metrics != nil {
				s.metrics.InvalidSchedules.Inc()
			}
			continue
		}

		next, ok := s.nextRun[wf.ID]
		if !ok {
			s.nextRun[wf.ID] = sched.Next(now)
			continue
		}
		if now.Before(next) {
			continue
		}
		due = append(due, wf)
		s.nextRun[wf.ID] = sched.Next(now)
	}

	// Drop schedules for workflows that were disabled or deleted.
	for id := range s.nextRun {
		if !seen[id] {
			delete(s.nextRun, id)
		}
	}
	return due
}

// fire dispatches a single scheduled run. Scheduled runs have no acting user.
func (s *Scheduler) fire(ctx context.Context, wf *workflow.Workflow) {
	s.logger.InfoContext(ctx, "firing scheduled workflow",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("name", wf.Name),
	)

	if s.metrics != nil {
		s.metrics.RunsFired.Inc()
	}

	run, err := s.engine.Dispatch(ctx, wf.OrgID, wf.ID, "", "schedule", nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled dispatch failed",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.RunsFailed.Inc()
		}
		return
	}

	s.logger.InfoContext(ctx, "scheduled run created",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("run_id", run.ID.String()),
	)
}

// schedule parses the workflow's cron expression out of its trigger config.
func (s *Scheduler) schedule(wf *workflow.Workflow) (cron.Schedule, error) {
	expr, _ := wf.TriggerConfig["cron"].(string)
	if expr == "" {
		return nil, fmt.Errorf("workflow %s has no cron expression", wf.Name)
	}
	return s.parser.Parse(expr)
}

// NextRunFrom computes the next fire time of a cron expression after a given
// reference time. Used by the HTTP API to validate schedules on create.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
