package store

import (
	"context"
	"time"
)

// AppendRunStructuredEvent inserts a structured event; sequences must be
// supplied by the caller (monotonic per run_id) and are enforced unique by
// the primary key, so a duplicate delivery is a silent no-op via INSERT OR
// IGNORE rather than an error — the event stream is expected to redeliver
// on reconnect.
func (s *Store) AppendRunStructuredEvent(ctx context.Context, e RunStructuredEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO run_structured_events
			(run_id, sequence, category, event_type, payload_json, schema_version, summary, error, ts)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			e.RunID, e.Sequence, e.Category, e.EventType, e.PayloadJSON, e.SchemaVersion, e.Summary, e.Error, timeStr(e.Timestamp))
		return err
	})
}

// ListRunStructuredEvents returns up to limit events for a run in sequence order.
// limit<=0 means unlimited.
func (s *Store) ListRunStructuredEvents(ctx context.Context, runID string, limit int) ([]RunStructuredEvent, error) {
	query := `SELECT run_id, sequence, category, event_type, payload_json, schema_version, summary, error, ts
		FROM run_structured_events WHERE run_id=? ORDER BY sequence ASC`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunStructuredEvent
	for rows.Next() {
		var e RunStructuredEvent
		var ts string
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Category, &e.EventType, &e.PayloadJSON, &e.SchemaVersion, &e.Summary, &e.Error, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseTimeStr(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertRunDiffSnapshot stores the latest diff for a run, ignoring the
// write if sequence is not newer than what's stored (idempotent hydration).
func (s *Store) UpsertRunDiffSnapshot(ctx context.Context, d RunDiffSnapshot) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO run_diff_snapshots (run_id, sequence, diff_stat, diff_patch)
			VALUES (?,?,?,?)
			ON CONFLICT(run_id) DO UPDATE SET sequence=excluded.sequence, diff_stat=excluded.diff_stat, diff_patch=excluded.diff_patch
			WHERE excluded.sequence >= run_diff_snapshots.sequence`,
			d.RunID, d.Sequence, d.DiffStat, d.DiffPatch)
		return err
	})
}

// GetRunDiffSnapshot returns the latest diff for a run, if any.
func (s *Store) GetRunDiffSnapshot(ctx context.Context, runID string) (RunDiffSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, sequence, diff_stat, diff_patch FROM run_diff_snapshots WHERE run_id=?`, runID)
	var d RunDiffSnapshot
	err := row.Scan(&d.RunID, &d.Sequence, &d.DiffStat, &d.DiffPatch)
	if err != nil {
		return RunDiffSnapshot{}, false, nil
	}
	return d, true, nil
}
