package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule starts, stops or restarts a graph's network on a cron expression.
type Schedule struct {
	Name      string     `json:"name"`
	Graph     string     `json:"graph"`
	CronExpr  string     `json:"cron_expr"`
	Action    string     `json:"action"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// UpsertSchedule creates the schedule or updates its definition. Run
// timestamps of an existing schedule are kept unless nextRun is set.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	var next any
	if sched.NextRunAt != nil {
		next = sched.NextRunAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, graph, cron_expr, action, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			graph = excluded.graph,
			cron_expr = excluded.cron_expr,
			action = excluded.action,
			enabled = excluded.enabled,
			next_run_at = COALESCE(excluded.next_run_at, schedules.next_run_at),
			updated_at = CURRENT_TIMESTAMP;
	`, sched.Name, sched.Graph, sched.CronExpr, sched.Action, boolToInt(sched.Enabled), next)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", name, ErrNotFound)
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT name, graph, cron_expr, action, enabled, next_run_at, last_run_at
		FROM schedules ORDER BY name ASC;
	`)
}

// DueSchedules returns enabled schedules with next_run_at <= now. Times are
// stored in UTC so they compare as text.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT name, graph, cron_expr, action, enabled, next_run_at, last_run_at
		FROM schedules WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
}

// UpdateScheduleRun records a firing and the next due time.
func (s *Store) UpdateScheduleRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, lastRun.UTC(), nextRun.UTC(), name)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.Name, &sc.Graph, &sc.CronExpr, &sc.Action, &enabled, &nextRun, &lastRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
