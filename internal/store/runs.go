package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeStr(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var createdAt, startedAt, endedAt, promptVars string
	err := row.Scan(&r.ID, &r.TaskID, &r.RepositoryID, &r.State, &r.Attempt, &r.WorkerID,
		&r.ContainerID, &createdAt, &startedAt, &endedAt, &r.PRUrl, &r.OutputJSON,
		&r.Summary, &r.Reason, &r.FailureClass, &r.ExecutionMode, &promptVars)
	if err != nil {
		return Run{}, err
	}
	r.CreatedAt = parseTimeStr(createdAt)
	r.StartedAt = parseTimeStr(startedAt)
	r.EndedAt = parseTimeStr(endedAt)
	r.PromptVars = parseJSONObject(promptVars)
	return r, nil
}

const runColumns = `id, task_id, repository_id, state, attempt, worker_id, container_id, created_at, started_at, ended_at, pr_url, output_json, summary, reason, failure_class, execution_mode, prompt_vars`

// CreateRun inserts a new Run in RunQueued state.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.State == "" {
		r.State = RunQueued
	}
	if r.Attempt == 0 {
		r.Attempt = 1
	}
	if r.ExecutionMode == "" {
		r.ExecutionMode = ModeDefault
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.TaskID, r.RepositoryID, r.State, r.Attempt, r.WorkerID, r.ContainerID,
			timeStr(r.CreatedAt), timeStr(r.StartedAt), timeStr(r.EndedAt), r.PRUrl, r.OutputJSON,
			r.Summary, r.Reason, r.FailureClass, r.ExecutionMode, joinJSONObject(r.PromptVars))
		return err
	})
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRunsByState returns runs in the given states, oldest first.
func (s *Store) ListRunsByState(ctx context.Context, states ...RunState) ([]Run, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(states))
	for i, st := range states {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE state IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsByTask returns every run for a task, oldest first.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsEndedSince returns runs in any of states whose ended_at is at or
// after since, for the alert rule checker's window-based formulas (§4.7).
func (s *Store) ListRunsEndedSince(ctx context.Context, since time.Time, states ...RunState) ([]Run, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}
	args = append(args, timeStr(since))
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE state IN (`+placeholders+`) AND ended_at>='' AND ended_at>=? ORDER BY ended_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsCreatedSince returns every run created at or after since, for the
// RouteLeakDetection alert formula's scan window.
func (s *Store) ListRunsCreatedSince(ctx context.Context, since time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE created_at>=? ORDER BY created_at ASC`, timeStr(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsQueueHead reports whether runID is the oldest non-terminal run for its task.
func (s *Store) IsQueueHead(ctx context.Context, taskID, runID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE task_id=? AND state IN (?,?,?) ORDER BY created_at ASC, id ASC LIMIT 1`,
		taskID, RunQueued, RunRunning, RunPendingApproval)
	var headID string
	if err := row.Scan(&headID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return headID == runID, nil
}

// CountActiveRuns counts runs in Running or PendingApproval globally.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	return s.countActive(ctx, `SELECT COUNT(*) FROM runs WHERE state IN (?,?)`, RunRunning, RunPendingApproval)
}

// CountActiveRunsByProject counts active runs whose task's repository belongs to projectID.
func (s *Store) CountActiveRunsByProject(ctx context.Context, projectID string) (int, error) {
	return s.countActive(ctx, `SELECT COUNT(*) FROM runs r
		JOIN tasks t ON t.id = r.task_id
		JOIN repositories rep ON rep.id = t.repository_id
		WHERE rep.project_id = ? AND r.state IN (?,?)`, projectID, RunRunning, RunPendingApproval)
}

// CountActiveRunsByRepo counts active runs for a repository.
func (s *Store) CountActiveRunsByRepo(ctx context.Context, repositoryID string) (int, error) {
	return s.countActive(ctx, `SELECT COUNT(*) FROM runs WHERE repository_id=? AND state IN (?,?)`, repositoryID, RunRunning, RunPendingApproval)
}

// CountActiveRunsByTask counts active runs for a single task.
func (s *Store) CountActiveRunsByTask(ctx context.Context, taskID string) (int, error) {
	return s.countActive(ctx, `SELECT COUNT(*) FROM runs WHERE task_id=? AND state IN (?,?)`, taskID, RunRunning, RunPendingApproval)
}

// CountQueuedRunsForTask counts runs still sitting in RunQueued for a task.
func (s *Store) CountQueuedRunsForTask(ctx context.Context, taskID string) (int, error) {
	return s.countActive(ctx, `SELECT COUNT(*) FROM runs WHERE task_id=? AND state=?`, taskID, RunQueued)
}

func (s *Store) countActive(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// casTransition performs `UPDATE runs SET ... WHERE id=? AND state=?` and
// reports ErrCASFailed when no row matched (either the run does not exist
// or it was already moved by a concurrent actor). Grounded on the
// expected-state-then-RowsAffected pattern used throughout the prior
// system's task state machine.
func (s *Store) casTransition(ctx context.Context, id string, from RunState, set string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		fullArgs := append(append([]any{}, args...), id, from)
		res, err := s.db.ExecContext(ctx, `UPDATE runs SET `+set+` WHERE id=? AND state=?`, fullArgs...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// MarkRunStarted transitions a Queued (or PendingApproval, post-approve)
// run to Running and records its runtime binding.
func (s *Store) MarkRunStarted(ctx context.Context, id, workerID, containerID string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET state=?, worker_id=?, container_id=?, started_at=? WHERE id=? AND state IN (?,?)`,
			RunRunning, workerID, containerID, timeStr(time.Now().UTC()), id, RunQueued, RunPendingApproval)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// MarkRunPendingApproval moves a queued run to PendingApproval.
func (s *Store) MarkRunPendingApproval(ctx context.Context, id string) error {
	return s.casTransition(ctx, id, RunQueued, `state=?`, RunPendingApproval)
}

// MarkRunCompleted moves a running run to a terminal state with a reason,
// output and optional failure classification.
func (s *Store) MarkRunCompleted(ctx context.Context, id string, succeeded bool, reason, outputJSON, summary string, class FailureClass) error {
	state := RunFailed
	if succeeded {
		state = RunSucceeded
		class = FailureNone
	}
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET state=?, reason=?, output_json=?, summary=?, failure_class=?, ended_at=? WHERE id=? AND state NOT IN (?,?,?,?)`,
			state, reason, outputJSON, summary, class, timeStr(time.Now().UTC()), id,
			RunSucceeded, RunFailed, RunCancelled, RunObsolete)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// MarkRunObsolete marks a run Obsolete without creating a finding — used
// when a worker signals runDisposition=obsolete rather than a failure.
func (s *Store) MarkRunObsolete(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET state=?, reason=?, ended_at=? WHERE id=? AND state NOT IN (?,?,?,?)`,
			RunObsolete, reason, timeStr(time.Now().UTC()), id,
			RunSucceeded, RunFailed, RunCancelled, RunObsolete)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// MarkRunCancelled cancels a non-terminal run from any state.
func (s *Store) MarkRunCancelled(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET state=?, reason=?, ended_at=? WHERE id=? AND state NOT IN (?,?,?,?)`,
			RunCancelled, reason, timeStr(time.Now().UTC()), id,
			RunSucceeded, RunFailed, RunCancelled, RunObsolete)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCASFailed
		}
		return nil
	})
}

// UpdateTaskGitMetadata clears or sets a task's cached git sync state.
func (s *Store) UpdateTaskGitMetadata(ctx context.Context, taskID string, syncedAt time.Time, lastErr string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_git_sync_at=?, last_git_error=? WHERE id=?`,
			timeStr(syncedAt), lastErr, taskID)
		return err
	})
}

// CreateFindingFromFailure records a finding for operator visibility.
func (s *Store) CreateFindingFromFailure(ctx context.Context, findingID, runID, reason string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO findings (id, run_id, reason, created_at) VALUES (?,?,?,?)`,
			findingID, runID, reason, timeStr(time.Now().UTC()))
		return err
	})
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, repository_id, harness, prompt, command, concurrency_limit,
		require_approval, execution_timeout_seconds, retry_max_attempts, retry_backoff_base, retry_backoff_mult,
		artifact_patterns, instruction_files, kind, cron_expression, enabled, auto_create_pr, max_queue_depth,
		last_git_sync_at, last_git_error FROM tasks WHERE id=?`, id)
	var t Task
	var requireApproval, enabled, autoCreatePR int
	var artifactPatterns, instructionFiles, lastGitSyncAt string
	err := row.Scan(&t.ID, &t.RepositoryID, &t.Harness, &t.Prompt, &t.Command, &t.ConcurrencyLimit,
		&requireApproval, &t.Timeouts.ExecutionSeconds, &t.RetryPolicy.MaxAttempts, &t.RetryPolicy.BackoffBase,
		&t.RetryPolicy.BackoffMult, &artifactPatterns, &instructionFiles, &t.Kind, &t.CronExpression,
		&enabled, &autoCreatePR, &t.MaxQueueDepth, &lastGitSyncAt, &t.LastGitError)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.ApprovalProfile.RequireApproval = requireApproval != 0
	t.Enabled = enabled != 0
	t.AutoCreatePR = autoCreatePR != 0
	t.ArtifactPatterns = splitJSONArray(artifactPatterns)
	t.InstructionFiles = splitJSONArray(instructionFiles)
	t.LastGitSyncAt = parseTimeStr(lastGitSyncAt)
	return t, nil
}

// GetRepository loads a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, name, git_url, default_branch, instruction_files FROM repositories WHERE id=?`, id)
	var r Repository
	var instructionFiles string
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.GitURL, &r.DefaultBranch, &instructionFiles)
	if err == sql.ErrNoRows {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, err
	}
	r.InstructionFiles = splitJSONArray(instructionFiles)
	return r, nil
}

// ListProviderSecrets returns every secret scoped to a repository.
func (s *Store) ListProviderSecrets(ctx context.Context, repositoryID string) ([]ProviderSecret, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repository_id, provider, encrypted_value FROM provider_secrets WHERE repository_id=?`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProviderSecret
	for rows.Next() {
		var p ProviderSecret
		if err := rows.Scan(&p.RepositoryID, &p.Provider, &p.EncryptedValue); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProviderSecret loads a single secret, e.g. GetProviderSecret(ctx, "global", "llmtornado").
func (s *Store) GetProviderSecret(ctx context.Context, repositoryID, provider string) (ProviderSecret, error) {
	row := s.db.QueryRowContext(ctx, `SELECT repository_id, provider, encrypted_value FROM provider_secrets WHERE repository_id=? AND provider=?`, repositoryID, provider)
	var p ProviderSecret
	err := row.Scan(&p.RepositoryID, &p.Provider, &p.EncryptedValue)
	if err == sql.ErrNoRows {
		return ProviderSecret{}, ErrNotFound
	}
	return p, err
}

// GetHarnessProviderSettings fetches the {model,temperature,max_tokens}
// tuple for a harness, stored alongside secrets under a synthetic provider
// key of "<harness>:settings".
func (s *Store) GetHarnessProviderSettings(ctx context.Context, repositoryID, harness string) (map[string]string, error) {
	p, err := s.GetProviderSecret(ctx, repositoryID, fmt.Sprintf("%s:settings", harness))
	if err == ErrNotFound {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return parseJSONObject(p.EncryptedValue), nil
}

// ListInstructionCollections returns repositoryID's enabled instruction
// collections, ordered by ascending priority then id, for layering ahead of
// a repository's own embedded instructions in a dispatch prompt (§4.1).
func (s *Store) ListInstructionCollections(ctx context.Context, repositoryID string) ([]InstructionCollection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_id, name, content, priority, enabled FROM instruction_collections
			WHERE repository_id=? AND enabled=1 ORDER BY priority ASC, id ASC`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstructionCollection
	for rows.Next() {
		var c InstructionCollection
		var enabled int
		if err := rows.Scan(&c.ID, &c.RepositoryID, &c.Name, &c.Content, &c.Priority, &enabled); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetInstructions returns the ordered instruction layers for repositoryID's
// dispatch prompts: enabled repository-collection instructions first
// (priority ascending), followed by the repository's own embedded
// instruction files in insertion order.
func (s *Store) GetInstructions(ctx context.Context, repositoryID string) ([]string, error) {
	collections, err := s.ListInstructionCollections(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	repo, err := s.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(collections)+len(repo.InstructionFiles))
	for _, c := range collections {
		out = append(out, c.Content)
	}
	out = append(out, repo.InstructionFiles...)
	return out, nil
}
