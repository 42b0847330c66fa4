package workflow

import (
	"context"
	"fmt"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/store"
)

// RunWaiter blocks until a dispatched run reaches a terminal state, learning
// about state changes from the bus instead of polling the store.
type RunWaiter struct {
	store *store.Store
	bus   *bus.Bus
}

// NewRunWaiter constructs a RunWaiter.
func NewRunWaiter(s *store.Store, b *bus.Bus) *RunWaiter {
	return &RunWaiter{store: s, bus: b}
}

// WaitForTerminal blocks until runID's state is terminal, or ctx is done.
// It subscribes before checking current state to avoid missing a state
// change that lands between the check and the subscribe call.
func (w *RunWaiter) WaitForTerminal(ctx context.Context, runID string) (store.Run, error) {
	sub := w.bus.Subscribe(bus.TopicRunStateChanged)
	defer w.bus.Unsubscribe(sub)

	if run, err := w.store.GetRun(ctx, runID); err == nil && run.State.IsTerminal() {
		return run, nil
	}

	for {
		select {
		case <-ctx.Done():
			return store.Run{}, fmt.Errorf("workflow: wait for run %s: %w", runID, ctx.Err())
		case evt, ok := <-sub.Ch():
			if !ok {
				return store.Run{}, fmt.Errorf("workflow: bus subscription closed while waiting for run %s", runID)
			}
			changed, ok := evt.Payload.(bus.RunStateChangedEvent)
			if !ok || changed.RunID != runID {
				continue
			}
			run, err := w.store.GetRun(ctx, runID)
			if err != nil {
				return store.Run{}, fmt.Errorf("workflow: get run %s: %w", runID, err)
			}
			if run.State.IsTerminal() {
				return run, nil
			}
		}
	}
}
