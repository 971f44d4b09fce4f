// Package cron starts, stops and restarts graph networks on cron schedules
// kept in the store.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/store"
)

// cronParser parses 5-field cron expressions and descriptors such as @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Runner performs schedule actions. protocol.Runtime satisfies it.
type Runner interface {
	StartNetwork(ctx context.Context, graphID string) error
	StopNetwork(ctx context.Context, graphID string) error
	RestartNetwork(ctx context.Context, graphID string) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *store.Store
	Runner   Runner
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and runs
// their action against the runtime.
type Scheduler struct {
	store    *store.Store
	runner   Runner
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

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
		logger:   logger,
		interval: interval,
	}
}

// Sync makes the stored schedules match the configured ones. New schedules
// and schedules whose expression changed get a fresh next run time; others
// keep theirs. Stored schedules missing from schedules are deleted.
func (s *Scheduler) Sync(ctx context.Context, schedules []config.Schedule, now time.Time) error {
	existing, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]store.Schedule, len(existing))
	for _, sc := range existing {
		byName[sc.Name] = sc
	}

	keep := make(map[string]bool, len(schedules))
	for _, c := range schedules {
		keep[c.Name] = true
		sc := store.Schedule{Name: c.Name, Graph: c.Graph, CronExpr: c.Cron, Action: c.Action, Enabled: true}
		if old, ok := byName[c.Name]; !ok || old.CronExpr != c.Cron || old.NextRunAt == nil {
			next, err := NextRunTime(c.Cron, now)
			if err != nil {
				return fmt.Errorf("schedule %q: %w", c.Name, err)
			}
			sc.NextRunAt = &next
		}
		if err := s.store.UpsertSchedule(ctx, sc); err != nil {
			return err
		}
	}
	for name := range byName {
		if keep[name] {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, name); err != nil {
			return err
		}
		s.logger.Info("cron: schedule removed", "schedule_name", name)
	}
	return nil
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

	// Fire immediately on startup, then on each tick.
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
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire runs the schedule's action and advances its run timestamps. A failed
// action is logged and the schedule still moves to its next run.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	logger := s.logger.With("schedule_name", sched.Name, "graph", sched.Graph, "action", sched.Action)
	if err := s.run(ctx, sched); err != nil {
		logger.Error("cron: schedule action failed", "error", err)
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		logger.Error("cron: failed to compute next run time", "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.Name, now, nextRun); err != nil {
		logger.Error("cron: failed to update schedule run", "error", err)
		return
	}
	logger.Info("cron: schedule fired", "next_run_at", nextRun)
}

func (s *Scheduler) run(ctx context.Context, sched store.Schedule) error {
	switch sched.Action {
	case "start":
		return s.runner.StartNetwork(ctx, sched.Graph)
	case "stop":
		return s.runner.StopNetwork(ctx, sched.Graph)
	case "restart":
		return s.runner.RestartNetwork(ctx, sched.Graph)
	}
	return fmt.Errorf("unknown action %q", sched.Action)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
