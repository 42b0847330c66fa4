// Package runtimepool implements the Runtime Lease Coordinator (C2): it
// binds a queued run to an idle worker, tracks its lease over the run's
// lifetime, and recycles the worker once the run reaches a terminal state.
package runtimepool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/store"
)

// LeaseTTL is how long a freshly acquired slot is granted before it must
// be renewed by a heartbeat.
const LeaseTTL = 2 * time.Minute

// Lease is the binding a dispatcher receives for one run.
type Lease struct {
	WorkerID        string
	ContainerID     string
	RuntimeEndpoint string
}

// Provisioner starts a fresh runtime container on demand when no idle
// worker advertises the requested harness.
type Provisioner interface {
	Provision(ctx context.Context, harness string) (workerID, endpoint, containerID string, err error)
}

// Pool is C2's concrete implementation: it satisfies dispatch.LeaseCoordinator.
type Pool struct {
	store       *store.Store
	provisioner Provisioner
	bus         *bus.Bus
	breaker     *Breaker
	logger      *slog.Logger

	mu    sync.Mutex
	group singleflight.Group
}

// Config configures a Pool.
type Config struct {
	Store       *store.Store
	Provisioner Provisioner
	Bus         *bus.Bus
	Breaker     *Breaker
	Logger      *slog.Logger
}

// New builds a Pool.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:       cfg.Store,
		provisioner: cfg.Provisioner,
		bus:         cfg.Bus,
		breaker:     cfg.Breaker,
		logger:      logger,
	}
}

// AcquireForDispatch finds (or provisions) a worker able to run harness and
// leases one of its slots. Returns ok=false (not an error) when nothing is
// currently available — the caller should leave the run queued.
func (p *Pool) AcquireForDispatch(ctx context.Context, harness, runID string, attempt int) (Lease, bool, error) {
	if p.breaker != nil && p.breaker.IsTripped(harness) {
		p.logger.Warn("runtimepool: circuit open, refusing dispatch", "harness", harness)
		return Lease{}, false, nil
	}

	idle, err := p.store.ListIdleWorkersForHarness(ctx, harness)
	if err != nil {
		return Lease{}, false, fmt.Errorf("list idle workers: %w", err)
	}

	for _, w := range idle {
		expires := time.Now().UTC().Add(LeaseTTL)
		if err := p.store.AcquireWorkerSlot(ctx, w.ID, expires); err != nil {
			if err == store.ErrCASFailed {
				continue // raced away by another dispatch; try the next candidate
			}
			return Lease{}, false, err
		}
		return Lease{WorkerID: w.ID, RuntimeEndpoint: w.Endpoint}, true, nil
	}

	if p.provisioner == nil {
		return Lease{}, false, nil
	}

	// Coalesce concurrent on-demand provisioning requests for the same
	// harness into a single Docker run so a queue burst doesn't spawn N
	// containers before the first one registers.
	v, err, _ := p.group.Do(harness, func() (any, error) {
		workerID, endpoint, containerID, err := p.provisioner.Provision(ctx, harness)
		if err != nil {
			if p.breaker != nil {
				p.breaker.RecordFailure(harness)
			}
			return nil, err
		}
		if p.breaker != nil {
			p.breaker.RecordSuccess(harness)
		}
		w := store.Worker{
			ID:           workerID,
			Endpoint:     endpoint,
			Status:       store.WorkerIdle,
			Capabilities: []string{harness},
			MaxSlots:     1,
		}
		if err := p.store.UpsertWorker(ctx, w); err != nil {
			return nil, err
		}
		return Lease{WorkerID: workerID, ContainerID: containerID, RuntimeEndpoint: endpoint}, nil
	})
	if err != nil {
		p.logger.Error("runtimepool: on-demand provisioning failed", "harness", harness, "error", err)
		return Lease{}, false, nil
	}
	lease := v.(Lease)

	expires := time.Now().UTC().Add(LeaseTTL)
	if err := p.store.AcquireWorkerSlot(ctx, lease.WorkerID, expires); err != nil {
		if err == store.ErrCASFailed {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	return lease, true, nil
}

// RecordDispatchActivity renews a worker's lease TTL; called by the
// dispatcher's heartbeat loop while a run is in flight.
func (p *Pool) RecordDispatchActivity(ctx context.Context, workerID string) error {
	return p.store.RecordHeartbeat(ctx, workerID, time.Now().UTC().Add(LeaseTTL))
}

// ReleaseOnRunTerminal frees the worker's slot once its bound run reaches a
// terminal state. This is the release-on-terminal policy chosen over eager
// recycle (see design notes): a worker only becomes schedulable again once
// its current run actually finishes.
func (p *Pool) ReleaseOnRunTerminal(ctx context.Context, workerID string) error {
	if err := p.store.ReleaseWorkerSlot(ctx, workerID); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicLeaseReleased, map[string]string{"worker_id": workerID})
	}
	return nil
}

// Recycle forces a worker offline, used by C6 when a lease has expired
// without a corresponding heartbeat (the runtime is presumed dead).
func (p *Pool) Recycle(ctx context.Context, workerID string) error {
	if err := p.store.RecycleWorker(ctx, workerID); err != nil {
		return err
	}
	p.logger.Warn("runtimepool: worker recycled", "worker_id", workerID)
	if p.bus != nil {
		p.bus.Publish(bus.TopicWorkerDegraded, map[string]string{"worker_id": workerID, "reason": "lease_expired"})
	}
	return nil
}
