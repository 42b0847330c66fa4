package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentorch/internal/eventstream"
	"github.com/basket/agentorch/internal/runtimepool"
	"github.com/basket/agentorch/internal/store"
)

// streamSupervisor keeps one eventstream.Client and one lease-renewal
// heartbeat running per leased worker, starting both the first time a
// worker is seen leased and stopping both the moment it no longer is.
// Workers, not runs, own the websocket connection: one runtime process
// multiplexes every run it's currently executing onto its own stream.
type streamSupervisor struct {
	store      *store.Store
	handler    *eventstream.Handler
	heartbeats *runtimepool.Heartbeats
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // worker id -> cancel
}

func newStreamSupervisor(s *store.Store, handler *eventstream.Handler, heartbeats *runtimepool.Heartbeats, logger *slog.Logger) *streamSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamSupervisor{store: s, handler: handler, heartbeats: heartbeats, logger: logger, active: map[string]context.CancelFunc{}}
}

// run reconciles the set of dialed workers against the store's current
// worker list on every tick, until ctx is cancelled.
func (sv *streamSupervisor) run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			sv.stopAll()
			return
		case <-ticks:
			sv.reconcile(ctx)
		}
	}
}

func (sv *streamSupervisor) reconcile(ctx context.Context) {
	workers, err := sv.store.ListWorkers(ctx)
	if err != nil {
		sv.logger.Error("stream_supervisor_list_workers_failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if w.Status != store.WorkerLeased || w.Endpoint == "" {
			continue
		}
		seen[w.ID] = struct{}{}
		sv.ensure(ctx, w)
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, cancel := range sv.active {
		if _, ok := seen[id]; !ok {
			cancel()
			sv.heartbeats.Stop(id)
			delete(sv.active, id)
		}
	}
}

func (sv *streamSupervisor) ensure(ctx context.Context, w store.Worker) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if _, ok := sv.active[w.ID]; ok {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sv.active[w.ID] = cancel
	sv.heartbeats.Start(streamCtx, w.ID)

	url := wsURL(w.Endpoint) + "/v1/stream"
	client := eventstream.NewClient(url, "", sv.handler, sv.logger)
	go func() {
		if err := client.Run(streamCtx); err != nil {
			sv.logger.Error("eventstream_client_exited", "worker_id", w.ID, "error", err)
		}
	}()
}

func (sv *streamSupervisor) stopAll() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, cancel := range sv.active {
		cancel()
		sv.heartbeats.Stop(id)
		delete(sv.active, id)
	}
}

// wsURL rewrites a runtime's http(s) RPC endpoint into its ws(s) scheme.
func wsURL(endpoint string) string {
	switch {
	case len(endpoint) >= 8 && endpoint[:8] == "https://":
		return "wss://" + endpoint[8:]
	case len(endpoint) >= 7 && endpoint[:7] == "http://":
		return "ws://" + endpoint[7:]
	default:
		return endpoint
	}
}
