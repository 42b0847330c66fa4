package recovery_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentorch/internal/lease"
	"github.com/basket/agentorch/internal/recovery"
	"github.com/basket/agentorch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "orch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeReaper struct {
	killed []string
}

func (f *fakeReaper) KillContainer(ctx context.Context, runID, reason string, force bool) error {
	f.killed = append(f.killed, runID)
	return nil
}

type fakeRuntimeLeaseReleaser struct {
	released []string
}

func (f *fakeRuntimeLeaseReleaser) ReleaseOnRunTerminal(ctx context.Context, workerID string) error {
	f.released = append(f.released, workerID)
	return nil
}

func newTestService(t *testing.T, s *store.Store, reaper recovery.ContainerReaper, th recovery.Thresholds) *recovery.Service {
	t.Helper()
	return newTestServiceWithRuntime(t, s, reaper, nil, th)
}

func newTestServiceWithRuntime(t *testing.T, s *store.Store, reaper recovery.ContainerReaper, runtime recovery.RuntimeLeaseReleaser, th recovery.Thresholds) *recovery.Service {
	t.Helper()
	coord := lease.New(s, "recovery-test", 5*time.Second, nil)
	return recovery.New(s, coord, reaper, runtime, th, nil)
}

func TestReapOrphans_MarksRunningAndQueuedRunsFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-running", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.CreateRun(ctx, store.Run{ID: "run-queued", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunQueued}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	svc := newTestService(t, s, nil, recovery.Thresholds{})
	n, err := svc.ReapOrphans(ctx)
	if err != nil {
		t.Fatalf("reap orphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reaped, got %d", n)
	}

	for _, id := range []string{"run-running", "run-queued"} {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if r.State != store.RunFailed {
			t.Fatalf("run %s expected Failed, got %s", id, r.State)
		}
		if r.FailureClass != store.FailureOrphanRecovery {
			t.Fatalf("run %s expected FailureOrphanRecovery, got %s", id, r.FailureClass)
		}
	}
}

func TestTick_StaleRunMarkedFailedWithoutKill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	// backdate started_at well past the stale threshold
	if _, err := s.DB().ExecContext(ctx, `UPDATE runs SET started_at=? WHERE id=?`,
		time.Now().UTC().Add(-45*time.Minute).Format(time.RFC3339Nano), "run-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reaper := &fakeReaper{}
	runtime := &fakeRuntimeLeaseReleaser{}
	svc := newTestServiceWithRuntime(t, s, reaper, runtime, recovery.Thresholds{
		Stale: 30 * time.Minute, Zombie: 120 * time.Minute, MaxRunAge: 24 * time.Hour, AutoTerminate: true,
	})
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.State != store.RunFailed || r.FailureClass != store.FailureStaleRun {
		t.Fatalf("expected stale run failed, got state=%s class=%s", r.State, r.FailureClass)
	}
	if len(reaper.killed) != 0 {
		t.Fatalf("stale detector must not force-kill, got %v", reaper.killed)
	}
	if len(runtime.released) != 1 || runtime.released[0] != "worker-1" {
		t.Fatalf("expected worker-1's runtime lease released, got %v", runtime.released)
	}
}

func TestTick_ZombieRunForceKilledWhenConfigured(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE runs SET started_at=? WHERE id=?`,
		time.Now().UTC().Add(-150*time.Minute).Format(time.RFC3339Nano), "run-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reaper := &fakeReaper{}
	svc := newTestService(t, s, reaper, recovery.Thresholds{
		Stale: 30 * time.Minute, Zombie: 120 * time.Minute, MaxRunAge: 24 * time.Hour,
		ForceKillOnTimeout: true, AutoTerminate: true,
	})
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.State != store.RunFailed || r.FailureClass != store.FailureZombieRun {
		t.Fatalf("expected zombie run failed, got state=%s class=%s", r.State, r.FailureClass)
	}
	if len(reaper.killed) != 1 || reaper.killed[0] != "run-1" {
		t.Fatalf("expected run-1 force-killed, got %v", reaper.killed)
	}
}

func TestTick_IsANoOpWhenAutoTerminateDisabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE runs SET started_at=? WHERE id=?`,
		time.Now().UTC().Add(-25*time.Hour).Format(time.RFC3339Nano), "run-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	svc := newTestService(t, s, nil, recovery.Thresholds{AutoTerminate: false})
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.State != store.RunRunning {
		t.Fatalf("expected run left untouched, got state=%s", r.State)
	}
}

func TestTick_IdempotentAcrossRepeatedRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE runs SET started_at=? WHERE id=?`,
		time.Now().UTC().Add(-45*time.Minute).Format(time.RFC3339Nano), "run-1"); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	svc := newTestService(t, s, nil, recovery.Thresholds{
		Stale: 30 * time.Minute, Zombie: 120 * time.Minute, MaxRunAge: 24 * time.Hour, AutoTerminate: true,
	})
	for i := 0; i < 3; i++ {
		if err := svc.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.State != store.RunFailed || r.FailureClass != store.FailureStaleRun {
		t.Fatalf("expected stable stale-failed state, got state=%s class=%s", r.State, r.FailureClass)
	}
}
