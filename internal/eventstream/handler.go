package eventstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/dispatch"
	"github.com/basket/agentorch/internal/projector"
	"github.com/basket/agentorch/internal/store"
)

// RunDispatcher is the narrow C1 capability C3 needs: dispatching an
// already-queued run once a slot frees up.
type RunDispatcher interface {
	Dispatch(ctx context.Context, runID string) (dispatch.Outcome, error)
}

// EmbeddingQueue is the external collaborator C3 fires a semantic-indexing
// job at after a run completes. Enqueue is fire-and-forget: a failure is
// logged, never propagated, since indexing is never allowed to affect run
// state.
type EmbeddingQueue interface {
	Enqueue(ctx context.Context, taskID, runID, output string) error
}

// LeaseReleaser is C2's narrow contract for freeing a worker's runtime slot
// the moment a run reaches a terminal state, so active_slots never leaks
// past the run that held it (§4.2/§5).
type LeaseReleaser interface {
	ReleaseOnRunTerminal(ctx context.Context, workerID string) error
}

// Handler applies one Message to store state, the C4 projection and the
// bus, and is the unit C3's websocket transport drives.
type Handler struct {
	store      *store.Store
	projector  *projector.Projector
	bus        *bus.Bus
	dispatcher RunDispatcher
	leases     LeaseReleaser
	embeddings EmbeddingQueue
	logger     *slog.Logger
}

// NewHandler builds a Handler. embeddings may be nil — the queue step is
// then silently skipped rather than erroring. leases may be nil — the
// terminal-state slot release is then silently skipped.
func NewHandler(s *store.Store, p *projector.Projector, b *bus.Bus, d RunDispatcher, leases LeaseReleaser, embeddings EmbeddingQueue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, projector: p, bus: b, dispatcher: d, leases: leases, embeddings: embeddings, logger: logger}
}

// releaseLease frees run's worker slot, if it has one and a releaser is
// wired, on any terminal transition.
func (h *Handler) releaseLease(ctx context.Context, run store.Run) {
	if h.leases == nil || run.WorkerID == "" {
		return
	}
	if err := h.leases.ReleaseOnRunTerminal(ctx, run.WorkerID); err != nil {
		h.logger.Warn("eventstream_lease_release_failed", "run_id", run.ID, "worker_id", run.WorkerID, "error", err)
	}
}

// Handle dispatches msg per §4.3's message taxonomy.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	switch {
	case msg.EventType == "completed":
		return h.handleCompleted(ctx, msg)
	case isWorkerStatus(msg):
		return h.handleWorkerStatus(ctx, msg)
	case msg.isStructured():
		return h.handleStructured(ctx, msg)
	default:
		return h.handleLogChunk(ctx, msg)
	}
}

func (h *Handler) handleLogChunk(ctx context.Context, msg Message) error {
	if h.bus != nil {
		h.bus.Publish(bus.TopicRunStructured, bus.RunStructuredEventPublished{
			RunID: msg.RunID, Sequence: msg.Sequence, Category: "log",
		})
	}
	h.logger.Info("run_log_event", "run_id", msg.RunID, "message", msg.Summary)
	return nil
}

func (h *Handler) handleStructured(ctx context.Context, msg Message) error {
	decoded := projector.Decode(projector.RawEvent{
		RunID: msg.RunID, EventType: msg.EventType, Category: msg.Category, Sequence: msg.Sequence,
		PayloadJSON: msg.PayloadJSON, SchemaVersion: msg.SchemaVersion, Summary: msg.Summary,
		CreatedAtUTC: time.Now().UTC(),
	})
	e := store.RunStructuredEvent{
		RunID: decoded.RunID, Sequence: decoded.Sequence, Category: decoded.Category,
		EventType: decoded.EventType, PayloadJSON: decoded.PayloadJSON, SchemaVersion: decoded.SchemaVersion,
		Summary: decoded.Summary, Timestamp: decoded.TimestampUTC,
	}
	if _, err := h.projector.ApplyStructuredEvent(ctx, e); err != nil {
		return fmt.Errorf("eventstream: apply structured event: %w", err)
	}
	return nil
}

func isWorkerStatus(msg Message) bool {
	return msg.EventType == "worker_status"
}

func (h *Handler) handleWorkerStatus(ctx context.Context, msg Message) error {
	workerID := msg.Metadata["worker_id"]
	if workerID == "" {
		return nil
	}
	if err := h.store.RecordHeartbeat(ctx, workerID, time.Now().UTC().Add(5*time.Minute)); err != nil {
		return fmt.Errorf("eventstream: record heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// handleCompleted implements §4.3's five-step completion sequence.
func (h *Handler) handleCompleted(ctx context.Context, msg Message) error {
	run, err := h.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("eventstream: load run %s: %w", msg.RunID, err)
	}

	if msg.Metadata["runDisposition"] == "obsolete" {
		if err := h.store.MarkRunObsolete(ctx, msg.RunID, "recycled: superseded by a newer run"); err != nil {
			return fmt.Errorf("eventstream: mark obsolete: %w", err)
		}
		h.publishStateChange(run, store.RunObsolete)
		h.releaseLease(ctx, run)
		h.persistGitMetadata(ctx, run.TaskID, msg)
		return h.dispatchNextQueued(ctx, run.TaskID)
	}

	env, present, parsed := parseEnvelope(msg.Metadata)
	succeeded := present && parsed && strings.EqualFold(env.Status, "succeeded")

	var reason string
	var class store.FailureClass
	switch {
	case !present:
		reason = "Worker completed without payload"
		class = store.FailureEnvelope
	case !parsed:
		reason = "Invalid payload"
		class = store.FailureEnvelope
	case !succeeded:
		reason = env.Error
		class = classifyFailure(env.Error)
	}

	if err := h.store.MarkRunCompleted(ctx, msg.RunID, succeeded, reason, msg.PayloadJSON, msg.Summary, class); err != nil {
		return fmt.Errorf("eventstream: mark completed: %w", err)
	}
	if !succeeded {
		findingID := msg.RunID + "-completion"
		if err := h.store.CreateFindingFromFailure(ctx, findingID, msg.RunID, reason); err != nil {
			return fmt.Errorf("eventstream: create finding: %w", err)
		}
	}
	newState := store.RunSucceeded
	if !succeeded {
		newState = store.RunFailed
	}
	h.publishStateChange(run, newState)
	h.releaseLease(ctx, run)

	h.persistGitMetadata(ctx, run.TaskID, msg)

	if h.embeddings != nil {
		if err := h.embeddings.Enqueue(ctx, run.TaskID, run.ID, msg.Summary); err != nil {
			h.logger.Warn("eventstream_embedding_enqueue_failed", "run_id", run.ID, "error", err)
		}
	}

	return h.dispatchNextQueued(ctx, run.TaskID)
}

func (h *Handler) persistGitMetadata(ctx context.Context, taskID string, msg Message) {
	lastErr := ""
	if msg.Metadata["gitWorkflow"] == "failed" {
		lastErr = msg.Metadata["gitFailure"]
	}
	if err := h.store.UpdateTaskGitMetadata(ctx, taskID, time.Now().UTC(), lastErr); err != nil {
		h.logger.Warn("eventstream_git_metadata_update_failed", "task_id", taskID, "error", err)
	}
}

func (h *Handler) dispatchNextQueued(ctx context.Context, taskID string) error {
	if h.dispatcher == nil {
		return nil
	}
	runs, err := h.store.ListRunsByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("eventstream: list runs for task %s: %w", taskID, err)
	}
	for _, r := range runs {
		if r.State != store.RunQueued {
			continue
		}
		if _, err := h.dispatcher.Dispatch(ctx, r.ID); err != nil {
			h.logger.Warn("eventstream_next_queued_dispatch_failed", "run_id", r.ID, "error", err)
		}
		return nil
	}
	return nil
}

func (h *Handler) publishStateChange(run store.Run, newState store.RunState) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID: run.ID, TaskID: run.TaskID, OldState: string(run.State), NewState: string(newState),
	})
}
