package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "orch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTask(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO repositories (id, project_id, name, git_url, default_branch) VALUES (?,?,?,?,?)`,
		"repo-1", "proj-1", "repo", "https://github.com/acme/repo", "main"); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, repository_id, harness) VALUES (?,?,?)`, id, "repo-1", "codex"); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestQueueHeadOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-1")

	r1 := Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", CreatedAt: time.Unix(100, 0)}
	r2 := Run{ID: "run-2", TaskID: "task-1", RepositoryID: "repo-1", CreatedAt: time.Unix(200, 0)}
	if err := s.CreateRun(ctx, r1); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if err := s.CreateRun(ctx, r2); err != nil {
		t.Fatalf("create r2: %v", err)
	}

	head, err := s.IsQueueHead(ctx, "task-1", "run-1")
	if err != nil || !head {
		t.Fatalf("expected run-1 to be queue head, got head=%v err=%v", head, err)
	}
	head, err = s.IsQueueHead(ctx, "task-1", "run-2")
	if err != nil || head {
		t.Fatalf("expected run-2 not to be queue head, got head=%v err=%v", head, err)
	}
}

func TestMarkRunStartedIsCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-1")
	r := Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.MarkRunStarted(ctx, "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "worker-2", "container-2"); err != ErrCASFailed {
		t.Fatalf("expected ErrCASFailed on double start, got %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.WorkerID != "worker-1" || got.State != RunRunning {
		t.Fatalf("unexpected run after CAS race: %+v", got)
	}
}

func TestMarkRunCompletedTerminalIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "task-1")
	r := Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunCompleted(ctx, "run-1", true, "", `{"ok":true}`, "done", FailureNone); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.MarkRunCompleted(ctx, "run-1", false, "late failure", "", "", FailureTimeout); err != ErrCASFailed {
		t.Fatalf("expected terminal state to resist further writes, got %v", err)
	}
}

func TestDiffSnapshotIgnoresOlderSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertRunDiffSnapshot(ctx, RunDiffSnapshot{RunID: "run-1", Sequence: 5, DiffStat: "2 files"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertRunDiffSnapshot(ctx, RunDiffSnapshot{RunID: "run-1", Sequence: 3, DiffStat: "stale"}); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	got, ok, err := s.GetRunDiffSnapshot(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("expected snapshot, err=%v ok=%v", err, ok)
	}
	if got.DiffStat != "2 files" {
		t.Fatalf("stale write clobbered snapshot: %+v", got)
	}
}

func TestMaintenanceLeaseSingleHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tok1, ok1, err := s.TryAcquireMaintenanceLease(ctx, "dead-run-detection", "replica-a", time.Minute)
	if err != nil || !ok1 {
		t.Fatalf("replica-a acquire: ok=%v err=%v", ok1, err)
	}
	_, ok2, err := s.TryAcquireMaintenanceLease(ctx, "dead-run-detection", "replica-b", time.Minute)
	if err != nil || ok2 {
		t.Fatalf("replica-b should not acquire a live lease: ok=%v err=%v", ok2, err)
	}
	if err := s.ReleaseMaintenanceLease(ctx, "dead-run-detection", "replica-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	tok3, ok3, err := s.TryAcquireMaintenanceLease(ctx, "dead-run-detection", "replica-b", time.Minute)
	if err != nil || !ok3 {
		t.Fatalf("replica-b acquire after release: ok=%v err=%v", ok3, err)
	}
	if tok3 <= tok1 {
		t.Fatalf("fencing token must strictly increase: tok1=%d tok3=%d", tok1, tok3)
	}
}
