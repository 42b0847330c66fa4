package store

import (
	"context"
	"time"
)

// cronStateTable tracks the last/next fire time for any schedulable
// entity (a cron Task or a cron-triggered Workflow), keyed by a caller
// supplied id so the cron package doesn't need its own table.
var cronStateTable = []string{
	`CREATE TABLE IF NOT EXISTS cron_state (
		schedule_id TEXT PRIMARY KEY,
		last_run_at TEXT NOT NULL DEFAULT '',
		next_run_at TEXT NOT NULL DEFAULT ''
	)`,
}

func init() {
	migrations = append(migrations, migration{version: 2, statements: cronStateTable})
}

// ListCronTasks returns enabled tasks of kind Cron.
func (s *Store) ListCronTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE kind='cron' AND enabled=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []Task
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// DueCronState returns the next_run_at recorded for scheduleID, or the
// zero time if never scheduled (meaning: fire immediately).
func (s *Store) DueCronState(ctx context.Context, scheduleID string) (nextRunAt time.Time, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT next_run_at FROM cron_state WHERE schedule_id=?`, scheduleID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, nil // never scheduled: due now
	}
	return parseTimeStr(raw), nil
}

// RecordCronFire persists the fire time and the next computed occurrence.
func (s *Store) RecordCronFire(ctx context.Context, scheduleID string, firedAt, nextRunAt time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO cron_state (schedule_id, last_run_at, next_run_at) VALUES (?,?,?)
			ON CONFLICT(schedule_id) DO UPDATE SET last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at`,
			scheduleID, timeStr(firedAt), timeStr(nextRunAt))
		return err
	})
}
