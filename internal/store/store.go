package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever tableStatements/indexStatements change.
// Each entry's checksum guards against a stale binary running against a
// schema it does not understand.
const schemaVersion = 1

var migrations = []migration{
	{version: 1, statements: tableStatements},
}

type migration struct {
	version    int
	statements []string
}

func checksum(stmts []string) string {
	h := sha256.Sum256([]byte(strings.Join(stmts, ";")))
	return hex.EncodeToString(h[:8])
}

// Store wraps a SQLite handle with the retry and migration discipline the
// rest of the orchestrator assumes: busy-retry on every write, and a
// checksummed schema ledger checked once at Open.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates (or migrates) the database at path and returns a ready Store.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid lock thrash under pool contention.

	s := &Store{db: db, log: log}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_ledger (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_ledger: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_ledger`)
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema_ledger: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			var storedChecksum string
			err := s.db.QueryRowContext(ctx, `SELECT checksum FROM schema_ledger WHERE version=?`, m.version).Scan(&storedChecksum)
			if err != nil {
				return fmt.Errorf("read checksum for migration %d: %w", m.version, err)
			}
			if storedChecksum != checksum(m.statements) {
				return fmt.Errorf("schema drift detected at migration %d: binary and database disagree", m.version)
			}
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		s.log.Info("applied schema migration", "version", m.version)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %q: %w", stmt, err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO schema_ledger (version, checksum, applied_at) VALUES (?, ?, ?)`,
		m.version, checksum(m.statements), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	return tx.Commit()
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		git_url TEXT NOT NULL,
		default_branch TEXT NOT NULL,
		instruction_files TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		harness TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		concurrency_limit INTEGER NOT NULL DEFAULT 0,
		require_approval INTEGER NOT NULL DEFAULT 0,
		execution_timeout_seconds INTEGER NOT NULL DEFAULT 0,
		retry_max_attempts INTEGER NOT NULL DEFAULT 1,
		retry_backoff_base REAL NOT NULL DEFAULT 1.0,
		retry_backoff_mult REAL NOT NULL DEFAULT 2.0,
		artifact_patterns TEXT NOT NULL DEFAULT '[]',
		instruction_files TEXT NOT NULL DEFAULT '[]',
		kind TEXT NOT NULL DEFAULT 'one_shot',
		cron_expression TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		auto_create_pr INTEGER NOT NULL DEFAULT 0,
		max_queue_depth INTEGER NOT NULL DEFAULT 0,
		last_git_sync_at TEXT NOT NULL DEFAULT '',
		last_git_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		repository_id TEXT NOT NULL,
		state TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		worker_id TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		ended_at TEXT NOT NULL DEFAULT '',
		pr_url TEXT NOT NULL DEFAULT '',
		output_json TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		failure_class TEXT NOT NULL DEFAULT '',
		execution_mode TEXT NOT NULL DEFAULT 'default',
		prompt_vars TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE TABLE IF NOT EXISTS instruction_collections (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instruction_collections_repo ON instruction_collections(repository_id, priority)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		capabilities TEXT NOT NULL DEFAULT '[]',
		max_slots INTEGER NOT NULL DEFAULT 1,
		active_slots INTEGER NOT NULL DEFAULT 0,
		last_heartbeat TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS provider_secrets (
		repository_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		PRIMARY KEY (repository_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS run_structured_events (
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		schema_version TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		PRIMARY KEY (run_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS run_diff_snapshots (
		run_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		diff_stat TEXT NOT NULL DEFAULT '',
		diff_patch TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		definition_json TEXT NOT NULL,
		max_concurrent_nodes INTEGER NOT NULL DEFAULT 1,
		trigger_type TEXT NOT NULL DEFAULT '',
		trigger_cron TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		state TEXT NOT NULL,
		node_results_json TEXT NOT NULL DEFAULT '{}',
		context_json TEXT NOT NULL DEFAULT '{}',
		pending_approval_node_id TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		ended_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		failed_node_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		input_context_json TEXT NOT NULL DEFAULT '{}',
		replayed INTEGER NOT NULL DEFAULT 0,
		replayed_execution_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		rule_type TEXT NOT NULL,
		threshold REAL NOT NULL,
		window_minutes INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS maintenance_leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		fencing_token INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT NOT NULL
	)`,
}

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// retryOnBusy runs fn with jittered exponential backoff while it keeps
// failing with SQLITE_BUSY, up to 5 attempts.
func retryOnBusy(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return lastErr
}

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrCASFailed is returned when a compare-and-set transition did not match
// the expected prior state (someone else mutated the row first).
var ErrCASFailed = errors.New("store: compare-and-set failed")
