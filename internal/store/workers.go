package store

import (
	"context"
	"database/sql"
	"time"
)

const workerColumns = `id, endpoint, status, capabilities, max_slots, active_slots, last_heartbeat, lease_expires_at`

func scanWorker(row interface{ Scan(...any) error }) (Worker, error) {
	var w Worker
	var capabilities, lastHeartbeat, leaseExpiresAt string
	err := row.Scan(&w.ID, &w.Endpoint, &w.Status, &capabilities, &w.MaxSlots, &w.ActiveSlots, &lastHeartbeat, &leaseExpiresAt)
	if err != nil {
		return Worker{}, err
	}
	w.Capabilities = splitJSONArray(capabilities)
	w.LastHeartbeat = parseTimeStr(lastHeartbeat)
	w.LeaseExpiresAt = parseTimeStr(leaseExpiresAt)
	return w, nil
}

// UpsertWorker registers or refreshes a runtime's advertised capabilities.
func (s *Store) UpsertWorker(ctx context.Context, w Worker) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO workers (`+workerColumns+`) VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET endpoint=excluded.endpoint, capabilities=excluded.capabilities,
			max_slots=excluded.max_slots, active_slots=excluded.active_slots, last_heartbeat=excluded.last_heartbeat`,
			w.ID, w.Endpoint, w.Status, joinJSONArray(w.Capabilities), w.MaxSlots, w.ActiveSlots,
			timeStr(w.LastHeartbeat), timeStr(w.LeaseExpiresAt))
		return err
	})
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListIdleWorkersForHarness returns Idle workers advertising the capability.
func (s *Store) ListIdleWorkersForHarness(ctx context.Context, harness string) ([]Worker, error) {
	all, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Worker
	for _, w := range all {
		if w.Status != WorkerIdle {
			continue
		}
		for _, cap := range w.Capabilities {
			if cap == harness {
				out = append(out, w)
				break
			}
		}
	}
	return out, nil
}

// AcquireWorkerSlot atomically transitions an Idle worker to Leased (or
// keeps a Leased worker Leased) and increments active_slots, failing with
// ErrCASFailed if the worker is already saturated or was raced away.
func (s *Store) AcquireWorkerSlot(ctx context.Context, workerID string, leaseExpiresAt time.Time) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE workers SET status=?, active_slots=active_slots+1, lease_expires_at=?
			WHERE id=? AND active_slots < max_slots AND status IN (?,?)`,
			WorkerLeased, timeStr(leaseExpiresAt), workerID, WorkerIdle, WorkerLeased)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// ReleaseWorkerSlot decrements active_slots and, if it reaches zero,
// transitions the worker back to Idle.
func (s *Store) ReleaseWorkerSlot(ctx context.Context, workerID string) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var active int
		if err := tx.QueryRowContext(ctx, `SELECT active_slots FROM workers WHERE id=?`, workerID).Scan(&active); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		active--
		if active < 0 {
			active = 0
		}
		status := WorkerLeased
		if active == 0 {
			status = WorkerIdle
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET active_slots=?, status=? WHERE id=?`, active, status, workerID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecordHeartbeat refreshes a worker's liveness timestamp and lease TTL.
func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, leaseExpiresAt time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat=?, lease_expires_at=? WHERE id=?`,
			timeStr(time.Now().UTC()), timeStr(leaseExpiresAt), workerID)
		return err
	})
}

// RecycleWorker forces a worker to Offline regardless of active_slots,
// used when a runtime is unrecoverable.
func (s *Store) RecycleWorker(ctx context.Context, workerID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE workers SET status=?, active_slots=0 WHERE id=?`, WorkerOffline, workerID)
		return err
	})
}

// ListExpiredLeaseWorkers returns workers whose lease_expires_at has passed
// while still marked Leased — corroborating evidence for C6.
func (s *Store) ListExpiredLeaseWorkers(ctx context.Context, now time.Time) ([]Worker, error) {
	all, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Worker
	for _, w := range all {
		if w.Status == WorkerLeased && !w.LeaseExpiresAt.IsZero() && now.After(w.LeaseExpiresAt) {
			out = append(out, w)
		}
	}
	return out, nil
}
