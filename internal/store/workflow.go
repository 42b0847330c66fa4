package store

import (
	"context"
	"time"
)

// WorkflowRecord is the persisted envelope around a workflow's JSON graph
// definition; internal/workflow owns parsing definition_json.
type WorkflowRecord struct {
	ID                 string
	RepositoryID       string
	DefinitionJSON     string
	MaxConcurrentNodes int
	TriggerType        string
	TriggerCron        string
	Enabled            bool
}

func (s *Store) SaveWorkflow(ctx context.Context, w WorkflowRecord) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO workflows (id, repository_id, definition_json, max_concurrent_nodes, trigger_type, trigger_cron, enabled)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET definition_json=excluded.definition_json, max_concurrent_nodes=excluded.max_concurrent_nodes,
			trigger_type=excluded.trigger_type, trigger_cron=excluded.trigger_cron, enabled=excluded.enabled`,
			w.ID, w.RepositoryID, w.DefinitionJSON, w.MaxConcurrentNodes, w.TriggerType, w.TriggerCron, w.Enabled)
		return err
	})
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, repository_id, definition_json, max_concurrent_nodes, trigger_type, trigger_cron, enabled FROM workflows WHERE id=?`, id)
	var w WorkflowRecord
	var enabled int
	if err := row.Scan(&w.ID, &w.RepositoryID, &w.DefinitionJSON, &w.MaxConcurrentNodes, &w.TriggerType, &w.TriggerCron, &enabled); err != nil {
		return WorkflowRecord{}, ErrNotFound
	}
	w.Enabled = enabled != 0
	return w, nil
}

func (s *Store) ListCronWorkflows(ctx context.Context) ([]WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, repository_id, definition_json, max_concurrent_nodes, trigger_type, trigger_cron, enabled
		FROM workflows WHERE trigger_type='cron' AND enabled=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkflowRecord
	for rows.Next() {
		var w WorkflowRecord
		var enabled int
		if err := rows.Scan(&w.ID, &w.RepositoryID, &w.DefinitionJSON, &w.MaxConcurrentNodes, &w.TriggerType, &w.TriggerCron, &enabled); err != nil {
			return nil, err
		}
		w.Enabled = enabled != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkflowExecutionRecord mirrors WorkflowExecution for persistence.
type WorkflowExecutionRecord struct {
	ID                    string
	WorkflowID            string
	State                 string
	NodeResultsJSON       string
	ContextJSON           string
	PendingApprovalNodeID string
	ApprovedBy            string
	CreatedAt             time.Time
	EndedAt               time.Time
}

func (s *Store) SaveWorkflowExecution(ctx context.Context, e WorkflowExecutionRecord) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO workflow_executions
			(id, workflow_id, state, node_results_json, context_json, pending_approval_node_id, approved_by, created_at, ended_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET state=excluded.state, node_results_json=excluded.node_results_json,
			context_json=excluded.context_json, pending_approval_node_id=excluded.pending_approval_node_id,
			approved_by=excluded.approved_by, ended_at=excluded.ended_at`,
			e.ID, e.WorkflowID, e.State, e.NodeResultsJSON, e.ContextJSON, e.PendingApprovalNodeID, e.ApprovedBy,
			timeStr(e.CreatedAt), timeStr(e.EndedAt))
		return err
	})
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (WorkflowExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, workflow_id, state, node_results_json, context_json, pending_approval_node_id, approved_by, created_at, ended_at
		FROM workflow_executions WHERE id=?`, id)
	var e WorkflowExecutionRecord
	var createdAt, endedAt string
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.State, &e.NodeResultsJSON, &e.ContextJSON, &e.PendingApprovalNodeID, &e.ApprovedBy, &createdAt, &endedAt); err != nil {
		return WorkflowExecutionRecord{}, ErrNotFound
	}
	e.CreatedAt = parseTimeStr(createdAt)
	e.EndedAt = parseTimeStr(endedAt)
	return e, nil
}

// DeadLetterRecord mirrors DeadLetter for persistence.
type DeadLetterRecord struct {
	ID                  string
	ExecutionID         string
	WorkflowID          string
	FailedNodeID        string
	Attempt             int
	InputContextJSON    string
	Replayed            bool
	ReplayedExecutionID string
	CreatedAt           time.Time
}

func (s *Store) CreateDeadLetter(ctx context.Context, d DeadLetterRecord) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO dead_letters
			(id, execution_id, workflow_id, failed_node_id, attempt, input_context_json, replayed, replayed_execution_id, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			d.ID, d.ExecutionID, d.WorkflowID, d.FailedNodeID, d.Attempt, d.InputContextJSON, d.Replayed, d.ReplayedExecutionID, timeStr(d.CreatedAt))
		return err
	})
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (DeadLetterRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, execution_id, workflow_id, failed_node_id, attempt, input_context_json, replayed, replayed_execution_id, created_at
		FROM dead_letters WHERE id=?`, id)
	var d DeadLetterRecord
	var replayed int
	var createdAt string
	if err := row.Scan(&d.ID, &d.ExecutionID, &d.WorkflowID, &d.FailedNodeID, &d.Attempt, &d.InputContextJSON, &replayed, &d.ReplayedExecutionID, &createdAt); err != nil {
		return DeadLetterRecord{}, ErrNotFound
	}
	d.Replayed = replayed != 0
	d.CreatedAt = parseTimeStr(createdAt)
	return d, nil
}

func (s *Store) MarkDeadLetterReplayed(ctx context.Context, id, replayedExecutionID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET replayed=1, replayed_execution_id=? WHERE id=?`, replayedExecutionID, id)
		return err
	})
}

// AlertRuleRecord mirrors AlertRule for persistence.
type AlertRuleRecord struct {
	ID            string
	RuleType      string
	Threshold     float64
	WindowMinutes int
	Enabled       bool
}

func (s *Store) ListAlertRules(ctx context.Context) ([]AlertRuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rule_type, threshold, window_minutes, enabled FROM alert_rules WHERE enabled=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AlertRuleRecord
	for rows.Next() {
		var r AlertRuleRecord
		var enabled int
		if err := rows.Scan(&r.ID, &r.RuleType, &r.Threshold, &r.WindowMinutes, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveAlertRule(ctx context.Context, r AlertRuleRecord) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO alert_rules (id, rule_type, threshold, window_minutes, enabled) VALUES (?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET threshold=excluded.threshold, window_minutes=excluded.window_minutes, enabled=excluded.enabled`,
			r.ID, r.RuleType, r.Threshold, r.WindowMinutes, r.Enabled)
		return err
	})
}

// TryAcquireMaintenanceLease implements the C9 primitive directly on the
// store: a named row with a TTL and a monotonically increasing fencing
// token, CAS-guarded the same way run state transitions are.
func (s *Store) TryAcquireMaintenanceLease(ctx context.Context, name, holder string, ttl time.Duration) (int64, bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	var token int64
	var acquired bool
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var curHolder, curExpires string
		var curToken int64
		err = tx.QueryRowContext(ctx, `SELECT holder, fencing_token, expires_at FROM maintenance_leases WHERE name=?`, name).Scan(&curHolder, &curToken, &curExpires)
		if err != nil {
			// Not present: insert fresh.
			token = 1
			if _, err := tx.ExecContext(ctx, `INSERT INTO maintenance_leases (name, holder, fencing_token, expires_at) VALUES (?,?,?,?)`,
				name, holder, token, timeStr(expires)); err != nil {
				return err
			}
			acquired = true
			return tx.Commit()
		}
		if curHolder == holder || parseTimeStr(curExpires).Before(now) {
			token = curToken + 1
			if _, err := tx.ExecContext(ctx, `UPDATE maintenance_leases SET holder=?, fencing_token=?, expires_at=? WHERE name=?`,
				holder, token, timeStr(expires), name); err != nil {
				return err
			}
			acquired = true
			return tx.Commit()
		}
		acquired = false
		return tx.Commit()
	})
	return token, acquired, err
}

func (s *Store) ReleaseMaintenanceLease(ctx context.Context, name, holder string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM maintenance_leases WHERE name=? AND holder=?`, name, holder)
		return err
	})
}
