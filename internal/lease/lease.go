// Package lease implements the fencing-token maintenance lease coordinator
// (C9): a single named lock, held by one process at a time, that gates
// recovery sweeps and alert-rule checks so only one replica runs them.
package lease

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/basket/agentorch/internal/store"
)

const renewFraction = 3 // renew at ttl/renewFraction

// Coordinator acquires and renews named maintenance leases for one holder
// identity (typically a process or replica id).
type Coordinator struct {
	store  *store.Store
	holder string
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Coordinator. holder should uniquely identify this process
// (hostname+pid, a generated replica id, etc).
func New(s *store.Store, holder string, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: s, holder: holder, ttl: ttl, logger: logger}
}

// AcquireAndHold blocks (polling with jittered backoff) until it wins name
// or ctx is done. On success it returns a derived context that is
// cancelled the moment this holder loses the lease — either because a
// renewal's CAS lost to another holder (preemption) or because renewal
// failed repeatedly (presumed partition) — well before the lease's TTL
// expires, alongside the fencing token won at acquisition.
func (c *Coordinator) AcquireAndHold(ctx context.Context, name string) (context.Context, int64, error) {
	backoff := 20 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		token, ok, err := c.store.TryAcquireMaintenanceLease(ctx, name, c.holder, c.ttl)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			heldCtx, cancel := context.WithCancel(ctx)
			go c.renewLoop(ctx, cancel, name, token)
			return heldCtx, token, nil
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff/2 + jitter):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// renewLoop periodically re-acquires the lease (which is also how a holder
// renews its own TTL, since TryAcquireMaintenanceLease treats the current
// holder as eligible) and cancels heldCtx the moment renewal stops
// succeeding for this holder.
func (c *Coordinator) renewLoop(parent context.Context, cancel context.CancelFunc, name string, token int64) {
	defer cancel()
	interval := c.ttl / renewFraction
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-parent.Done():
			return
		case <-ticker.C:
			newToken, ok, err := c.store.TryAcquireMaintenanceLease(parent, name, c.holder, c.ttl)
			if err != nil {
				c.logger.Warn("lease: renewal errored, releasing hold", "name", name, "error", err)
				return
			}
			if !ok || newToken < token {
				c.logger.Warn("lease: lost lease to another holder", "name", name)
				return
			}
			token = newToken
		}
	}
}

// Release gives up name immediately rather than waiting for TTL expiry.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	return c.store.ReleaseMaintenanceLease(ctx, name, c.holder)
}

// TryAcquire makes one non-blocking acquisition attempt for name and
// returns immediately either way. Unlike AcquireAndHold it does not renew
// in the background — callers that win should do their work and Release
// promptly, which is the right shape for a periodic tick that should skip
// entirely (not queue) when another replica already holds the lease.
func (c *Coordinator) TryAcquire(ctx context.Context, name string) (token int64, ok bool, err error) {
	return c.store.TryAcquireMaintenanceLease(ctx, name, c.holder, c.ttl)
}
