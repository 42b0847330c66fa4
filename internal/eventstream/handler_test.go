package eventstream_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/dispatch"
	"github.com/basket/agentorch/internal/eventstream"
	"github.com/basket/agentorch/internal/projector"
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

type fakeDispatcher struct {
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, runID string) (dispatch.Outcome, error) {
	f.dispatched = append(f.dispatched, runID)
	return dispatch.Dispatched, nil
}

type fakeEmbeddings struct {
	enqueued []string
}

func (f *fakeEmbeddings) Enqueue(ctx context.Context, taskID, runID, output string) error {
	f.enqueued = append(f.enqueued, runID)
	return nil
}

type fakeLeaseReleaser struct {
	released []string
}

func (f *fakeLeaseReleaser) ReleaseOnRunTerminal(ctx context.Context, workerID string) error {
	f.released = append(f.released, workerID)
	return nil
}

func seedRun(t *testing.T, s *store.Store, id, taskID string, state store.RunState) {
	t.Helper()
	if err := s.CreateRun(context.Background(), store.Run{
		ID: id, TaskID: taskID, RepositoryID: "repo-1", State: state,
	}); err != nil {
		t.Fatalf("seed run %s: %v", id, err)
	}
}

func TestHandle_LogChunkPublishesAndDoesNotTouchRun(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	h := eventstream.NewHandler(s, projector.New(s, b), b, nil, nil, nil, nil)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "log_chunk", Summary: "building...",
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunRunning {
		t.Fatalf("expected run state unchanged, got %s", run.State)
	}
}

func TestHandle_StructuredEventUpdatesProjection(t *testing.T) {
	s := openTestStore(t)
	p := projector.New(s, nil)
	h := eventstream.NewHandler(s, p, nil, nil, nil, nil, nil)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "structured", Sequence: 1, Category: "reasoning.delta",
		PayloadJSON: `{"thinking":"working"}`,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	snap, err := p.Snapshot(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Thinking) != 1 || snap.Thinking[0].Content != "working" {
		t.Fatalf("expected thinking item recorded, got %+v", snap.Thinking)
	}
}

func TestHandle_CompletedSucceededDispatchesNextQueuedAndReleasesLease(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)
	if err := s.MarkRunStarted(context.Background(), "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	seedRun(t, s, "run-2", "task-1", store.RunQueued)

	disp := &fakeDispatcher{}
	emb := &fakeEmbeddings{}
	leases := &fakeLeaseReleaser{}
	h := eventstream.NewHandler(s, projector.New(s, nil), nil, disp, leases, emb, nil)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "completed",
		Metadata: map[string]string{"payload": `{"status":"succeeded"}`},
		Summary:  "all tests passed",
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunSucceeded {
		t.Fatalf("expected succeeded, got %s", run.State)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "run-2" {
		t.Fatalf("expected run-2 dispatched, got %v", disp.dispatched)
	}
	if len(emb.enqueued) != 1 || emb.enqueued[0] != "run-1" {
		t.Fatalf("expected embedding enqueued for run-1, got %v", emb.enqueued)
	}
	if len(leases.released) != 1 || leases.released[0] != "worker-1" {
		t.Fatalf("expected worker-1's lease released, got %v", leases.released)
	}
}

func TestHandle_CompletedMissingPayloadFailsWithEnvelopeValidation(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)
	h := eventstream.NewHandler(s, projector.New(s, nil), nil, nil, nil, nil, nil)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "completed",
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunFailed {
		t.Fatalf("expected failed, got %s", run.State)
	}
	if run.FailureClass != store.FailureEnvelope {
		t.Fatalf("expected envelope_validation class, got %s", run.FailureClass)
	}
	if run.Reason != "Worker completed without payload" {
		t.Fatalf("unexpected reason: %q", run.Reason)
	}
}

func TestHandle_CompletedTimeoutErrorClassifiesAsTimeout(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)
	h := eventstream.NewHandler(s, projector.New(s, nil), nil, nil, nil, nil, nil)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "completed",
		Metadata: map[string]string{"payload": `{"status":"failed","error":"context deadline exceeded: Timeout waiting for tool"}`},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.FailureClass != store.FailureTimeout {
		t.Fatalf("expected timeout class, got %s", run.FailureClass)
	}
}

func TestHandle_CompletedObsoleteDispositionMarksObsoleteAndRecycles(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s, "run-1", "task-1", store.RunRunning)
	if err := s.MarkRunStarted(context.Background(), "run-1", "worker-1", "container-1"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	seedRun(t, s, "run-2", "task-1", store.RunQueued)
	disp := &fakeDispatcher{}
	leases := &fakeLeaseReleaser{}
	h := eventstream.NewHandler(s, projector.New(s, nil), nil, disp, leases, nil, nil)

	if err := h.Handle(context.Background(), eventstream.Message{
		RunID: "run-1", EventType: "completed",
		Metadata: map[string]string{"runDisposition": "obsolete"},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunObsolete {
		t.Fatalf("expected obsolete, got %s", run.State)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "run-2" {
		t.Fatalf("expected run-2 dispatched after obsolete recycle, got %v", disp.dispatched)
	}
	if len(leases.released) != 1 || leases.released[0] != "worker-1" {
		t.Fatalf("expected worker-1's lease released, got %v", leases.released)
	}
}

func TestHandle_WorkerStatusRecordsHeartbeat(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertWorker(context.Background(), store.Worker{
		ID: "worker-1", Endpoint: "http://localhost:9000", Status: store.WorkerIdle, MaxSlots: 2,
	}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	h := eventstream.NewHandler(s, projector.New(s, nil), nil, nil, nil, nil, nil)

	before := time.Now().UTC()
	if err := h.Handle(context.Background(), eventstream.Message{
		EventType: "worker_status", Metadata: map[string]string{"worker_id": "worker-1"},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	workers, err := s.ListWorkers(context.Background())
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 1 || workers[0].LastHeartbeat.Before(before) {
		t.Fatalf("expected heartbeat updated, got %+v", workers)
	}
}
