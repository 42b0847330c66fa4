// Package recovery implements the Recovery Service (C6): startup orphan
// reaping plus a periodic stale/zombie/overdue sweep over runs left behind
// by a worker or a crashed control plane.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentorch/internal/lease"
	"github.com/basket/agentorch/internal/store"
)

const maintenanceLeaseName = "dead-run-detection"

// ContainerReaper is the narrow capability C6 needs from the runtime RPC
// surface (§6.2) — just enough to force-kill a zombie/overdue container.
type ContainerReaper interface {
	KillContainer(ctx context.Context, runID, reason string, force bool) error
}

// RuntimeLeaseReleaser is C2's narrow contract for freeing a worker's
// runtime slot the moment a reaped run reaches a terminal state, so
// active_slots never leaks past a run C6 force-fails.
type RuntimeLeaseReleaser interface {
	ReleaseOnRunTerminal(ctx context.Context, workerID string) error
}

// Thresholds configures the three periodic detectors (§4.6 defaults).
type Thresholds struct {
	Stale              time.Duration // default 30m
	Zombie             time.Duration // default 120m
	MaxRunAge          time.Duration // default 24h
	ForceKillOnTimeout bool
	AutoTerminate      bool // global kill switch; false disables all three detectors
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Stale <= 0 {
		t.Stale = 30 * time.Minute
	}
	if t.Zombie <= 0 {
		t.Zombie = 120 * time.Minute
	}
	if t.MaxRunAge <= 0 {
		t.MaxRunAge = 24 * time.Hour
	}
	return t
}

// Service runs the three composable, idempotent detectors under a C9
// maintenance lease so only one replica reaps at a time.
type Service struct {
	store      *store.Store
	leases     *lease.Coordinator
	reaper     ContainerReaper
	runtime    RuntimeLeaseReleaser
	thresholds Thresholds
	logger     *slog.Logger
}

// New builds a recovery Service. reaper may be nil if force-kill is never
// needed (ForceKillOnTimeout false); Tick will then only mark runs Failed
// without attempting a container kill. runtime may be nil — the
// terminal-state slot release is then silently skipped.
func New(s *store.Store, leases *lease.Coordinator, reaper ContainerReaper, runtime RuntimeLeaseReleaser, thresholds Thresholds, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		leases:     leases,
		reaper:     reaper,
		runtime:    runtime,
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// ReapOrphans runs once at control-plane startup, before any worker has
// re-established its heartbeat: every run left in Running or Queued by the
// previous process is, by construction, unrepresented in any live worker's
// heartbeat view yet, so each is marked Failed with FailureOrphanRecovery.
// Does not attempt to kill any container — the crashed process may not
// have left one behind, and a live worker that reconnects later will
// report its own state independently.
func (s *Service) ReapOrphans(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunsByState(ctx, store.RunRunning, store.RunQueued)
	if err != nil {
		return 0, fmt.Errorf("recovery: list orphan candidates: %w", err)
	}
	reaped := 0
	for _, r := range runs {
		if err := s.failRun(ctx, r, "Orphaned run recovered on startup", store.FailureOrphanRecovery); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("recovery_orphans_reaped", "count", reaped)
	}
	return reaped, nil
}

// Tick acquires the dead-run-detection maintenance lease and, if won, runs
// the stale/zombie/overdue detectors once. If the lease is held by another
// replica this is a no-op (another replica is already reaping). Returns
// immediately without blocking — Tick is meant to be called on a periodic
// timer, not held open.
func (s *Service) Tick(ctx context.Context) error {
	if !s.thresholds.AutoTerminate {
		return nil
	}
	token, ok, err := s.leases.TryAcquire(ctx, maintenanceLeaseName)
	if err != nil {
		return fmt.Errorf("recovery: acquire maintenance lease: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.leases.Release(ctx, maintenanceLeaseName); err != nil {
			s.logger.Warn("recovery_lease_release_failed", "error", err)
		}
	}()
	s.logger.Debug("recovery_tick_acquired_lease", "fencing_token", token)

	now := time.Now().UTC()
	running, err := s.store.ListRunsByState(ctx, store.RunRunning)
	if err != nil {
		return fmt.Errorf("recovery: list running: %w", err)
	}
	for _, r := range running {
		if r.StartedAt.IsZero() {
			continue
		}
		age := now.Sub(r.StartedAt)
		switch {
		case age > s.thresholds.MaxRunAge:
			if err := s.detectAndHandle(ctx, r, "overdue run exceeded max_run_age", store.FailureOverdueRun); err != nil {
				return err
			}
		case age > s.thresholds.Zombie:
			if err := s.detectAndHandle(ctx, r, "zombie run exceeded zombie_threshold", store.FailureZombieRun); err != nil {
				return err
			}
		case age > s.thresholds.Stale:
			if err := s.failRun(ctx, r, "stale run exceeded stale_threshold", store.FailureStaleRun); err != nil {
				return err
			}
		}
	}
	return nil
}

// detectAndHandle is shared by the zombie and overdue detectors: both
// force-kill the container (when configured and a reaper is wired) in
// addition to marking the run Failed.
func (s *Service) detectAndHandle(ctx context.Context, r store.Run, reason string, class store.FailureClass) error {
	if s.thresholds.ForceKillOnTimeout && s.reaper != nil {
		if err := s.reaper.KillContainer(ctx, r.ID, reason, true); err != nil {
			s.logger.Warn("recovery_force_kill_failed", "run_id", r.ID, "error", err)
		}
	}
	return s.failRun(ctx, r, reason, class)
}

// failRun is the idempotent building block every detector uses:
// MarkRunCompleted is a CAS against non-terminal states, so running the
// same detector twice against an already-reaped run is a harmless no-op.
func (s *Service) failRun(ctx context.Context, r store.Run, reason string, class store.FailureClass) error {
	if err := s.store.MarkRunCompleted(ctx, r.ID, false, reason, "", "", class); err != nil {
		if err == store.ErrCASFailed {
			return nil
		}
		return fmt.Errorf("recovery: mark run %s failed: %w", r.ID, err)
	}
	findingID := r.ID + "-" + string(class)
	if err := s.store.CreateFindingFromFailure(ctx, findingID, r.ID, reason); err != nil {
		return fmt.Errorf("recovery: create finding for %s: %w", r.ID, err)
	}
	if s.runtime != nil && r.WorkerID != "" {
		if err := s.runtime.ReleaseOnRunTerminal(ctx, r.WorkerID); err != nil {
			s.logger.Warn("recovery_lease_release_failed", "run_id", r.ID, "worker_id", r.WorkerID, "error", err)
		}
	}
	return nil
}
