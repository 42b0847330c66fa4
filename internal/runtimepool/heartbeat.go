package runtimepool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// heartbeatInterval is chosen well inside LeaseTTL so a single missed tick
// never lets a lease expire out from under a healthy run.
const heartbeatInterval = 30 * time.Second

// Heartbeats renews worker lease TTLs for every in-flight run, stopping
// renewal as soon as the caller signals the run is done.
type Heartbeats struct {
	pool   *Pool
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewHeartbeats creates a Heartbeats manager bound to pool.
func NewHeartbeats(pool *Pool, logger *slog.Logger) *Heartbeats {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeats{pool: pool, logger: logger, cancels: map[string]context.CancelFunc{}}
}

// Start begins periodic lease renewal for workerID. Call Stop with the same
// workerID when the bound run reaches a terminal state.
func (h *Heartbeats) Start(ctx context.Context, workerID string) {
	hbCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if existing, ok := h.cancels[workerID]; ok {
		existing()
	}
	h.cancels[workerID] = cancel
	h.mu.Unlock()

	go h.loop(hbCtx, workerID)
}

// Stop cancels lease renewal for workerID, if running.
func (h *Heartbeats) Stop(workerID string) {
	h.mu.Lock()
	cancel, ok := h.cancels[workerID]
	if ok {
		delete(h.cancels, workerID)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

func (h *Heartbeats) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.pool.RecordDispatchActivity(ctx, workerID); err != nil {
				h.logger.Warn("heartbeat: renew lease failed", "worker_id", workerID, "error", err)
			}
		}
	}
}
