// Package scheduler fires stored flows on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due triggers.
const DefaultInterval = 60 * time.Second

// StatusError is the last-run status of a trigger whose flow could not be
// started at all.
const StatusError = "error"

// FlowRunner runs the flow a trigger points at. Satisfied by the flow
// service (avoids an import cycle).
type FlowRunner interface {
	RunTrigger(ctx context.Context, trigger *store.ScheduledTrigger) (*store.Execution, error)
}

// Scheduler polls the store for due scheduled triggers and runs them.
type Scheduler struct {
	store    store.Store
	runner   FlowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler polling every interval. A zero
// interval uses DefaultInterval.
func NewScheduler(s store.Store, runner FlowRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// AddTrigger validates the cron expression, assigns an ID when missing,
// computes the first run time and stores the trigger.
func (s *Scheduler) AddTrigger(ctx context.Context, trigger *store.ScheduledTrigger) error {
	if trigger.FlowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled trigger requires a flow_id")
	}
	next, err := s.CalculateNextRun(trigger.CronExpression, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	trigger.NextRunAt = &next
	return s.store.CreateScheduledTrigger(ctx, trigger)
}

// Start launches the background scheduling loop.
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
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick checks all enabled triggers and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, trig := range triggers {
		if trig.NextRunAt == nil || !trig.NextRunAt.After(now) {
			if !s.tryAcquire(trig.ID) {
				continue // already running (dedup)
			}
			if err := s.runTrigger(ctx, trig, now); err != nil {
				s.logger.Error("failed to run scheduled trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
			}
			s.releaseTrigger(trig.ID)
		}
	}
}

// runTrigger runs the trigger's flow and updates its timestamps.
func (s *Scheduler) runTrigger(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("running scheduled trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("flow_id", trig.FlowID),
	)

	status := StatusError
	exec, err := s.runner.RunTrigger(ctx, trig)
	switch {
	case exec != nil:
		status = string(exec.Status)
	case err == nil:
		status = string(schema.ExecutionStatusCompleted)
	}
	if err != nil {
		s.logger.Error("scheduled flow run failed",
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateTriggerStatus(ctx, trig, now, status)
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, trig *store.ScheduledTrigger, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(trig.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trig.ID, err)
	}

	return s.store.UpdateScheduledTrigger(ctx, trig.ID, store.ScheduledTriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// releaseTrigger removes the trigger from the in-flight set.
func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
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

// RecoverMissed runs, once, every trigger whose next_run_at already passed
// (for example while the process was down).
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, trig := range triggers {
		if trig.NextRunAt != nil && trig.NextRunAt.Before(now) {
			if !s.tryAcquire(trig.ID) {
				continue
			}
			if err := s.runTrigger(ctx, trig, now); err != nil {
				s.logger.Error("failed to recover missed trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
				s.releaseTrigger(trig.ID)
				continue
			}
			s.releaseTrigger(trig.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
