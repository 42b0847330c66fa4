package dispatch_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentorch/internal/dispatch"
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

func seedRepoAndTask(t *testing.T, s *store.Store, opts map[string]any) (repoID, taskID string) {
	t.Helper()
	ctx := context.Background()
	repoID = "repo-" + uuid.NewString()
	taskID = "task-" + uuid.NewString()

	if _, err := s.DB().ExecContext(ctx, `INSERT INTO repositories (id, project_id, name, git_url, default_branch) VALUES (?,?,?,?,?)`,
		repoID, "proj-1", "demo-repo", "https://github.com/acme/demo-repo", "main"); err != nil {
		t.Fatalf("seed repo: %v", err)
	}

	requireApproval := 0
	if v, ok := opts["require_approval"].(bool); ok && v {
		requireApproval = 1
	}
	harness := "codex"
	if v, ok := opts["harness"].(string); ok {
		harness = v
	}
	if _, err := s.DB().ExecContext(ctx, `INSERT INTO tasks (id, repository_id, harness, prompt, require_approval, enabled) VALUES (?,?,?,?,?,1)`,
		taskID, repoID, harness, "do the thing", requireApproval); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return repoID, taskID
}

func seedRun(t *testing.T, s *store.Store, taskID, repoID string, createdAt time.Time, mode store.ExecutionMode) string {
	t.Helper()
	id := "run-" + uuid.NewString()
	r := store.Run{ID: id, TaskID: taskID, RepositoryID: repoID, State: store.RunQueued, CreatedAt: createdAt, ExecutionMode: mode}
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return id
}

type fakeLeases struct {
	acquired  bool
	released  string
	lease     dispatch.Lease
	available bool
}

func (f *fakeLeases) AcquireForDispatch(ctx context.Context, harness, runID string, attempt int) (dispatch.Lease, bool, error) {
	f.acquired = true
	if !f.available {
		return dispatch.Lease{}, false, nil
	}
	return f.lease, true, nil
}

func (f *fakeLeases) ReleaseOnRunTerminal(ctx context.Context, workerID string) error {
	f.released = workerID
	return nil
}

type fakeRuntime struct {
	lastReq dispatch.DispatchRequest
	fail    bool
}

func (f *fakeRuntime) DispatchJob(ctx context.Context, endpoint string, req dispatch.DispatchRequest) (dispatch.DispatchResult, error) {
	f.lastReq = req
	if f.fail {
		return dispatch.DispatchResult{Success: false, ErrorMessage: "boom"}, nil
	}
	return dispatch.DispatchResult{Success: true, DispatchedAt: time.Now()}, nil
}

func (f *fakeRuntime) CancelJob(ctx context.Context, endpoint, runID string) error { return nil }

type fakeCrypto struct{}

func (fakeCrypto) Decrypt(ctx context.Context, encrypted string) (string, error) {
	switch encrypted {
	case "enc-zai":
		return "zai-secret", nil
	default:
		return "decrypted-" + encrypted, nil
	}
}

func newDispatcher(s *store.Store, leases dispatch.LeaseCoordinator, runtime dispatch.RuntimeClient) *dispatch.Dispatcher {
	return dispatch.New(s, leases, runtime, fakeCrypto{}, nil, dispatch.Limits{}, nil)
}

// Scenario 1: approval gate.
func TestDispatch_ApprovalGate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoID, taskID := seedRepoAndTask(t, s, map[string]any{"require_approval": true})
	runID := seedRun(t, s, taskID, repoID, time.Now(), store.ModeDefault)

	leases := &fakeLeases{available: true, lease: dispatch.Lease{WorkerID: "w1", RuntimeEndpoint: "http://w1"}}
	runtime := &fakeRuntime{}
	d := newDispatcher(s, leases, runtime)

	outcome, err := d.Dispatch(ctx, runID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != dispatch.MarkedPendingApproval {
		t.Fatalf("expected MarkedPendingApproval, got %s", outcome)
	}
	if leases.acquired {
		t.Fatalf("expected no lease acquisition attempt before approval")
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunPendingApproval {
		t.Fatalf("expected PendingApproval, got %s", run.State)
	}
}

// Scenario 2: queue-head enforcement.
func TestDispatch_QueueHeadEnforcement(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoID, taskID := seedRepoAndTask(t, s, nil)

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	r1 := seedRun(t, s, taskID, repoID, base, store.ModeDefault)
	r2 := seedRun(t, s, taskID, repoID, base.Add(time.Minute), store.ModeDefault)

	leases := &fakeLeases{available: true, lease: dispatch.Lease{WorkerID: "w1", RuntimeEndpoint: "http://w1"}}
	runtime := &fakeRuntime{}
	d := newDispatcher(s, leases, runtime)

	outcome, err := d.Dispatch(ctx, r2)
	if err != nil {
		t.Fatalf("dispatch r2: %v", err)
	}
	if outcome != dispatch.LeftQueued {
		t.Fatalf("expected r2 LeftQueued, got %s", outcome)
	}

	outcome, err = d.Dispatch(ctx, r1)
	if err != nil {
		t.Fatalf("dispatch r1: %v", err)
	}
	if outcome != dispatch.Dispatched {
		t.Fatalf("expected r1 Dispatched, got %s", outcome)
	}
	run, err := s.GetRun(ctx, r1)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunRunning {
		t.Fatalf("expected Running, got %s", run.State)
	}
}

// Scenario 3: zai env mapping from repo secret.
func TestDispatch_ZaiEnvMapping(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoID, taskID := seedRepoAndTask(t, s, map[string]any{"harness": "zai"})
	runID := seedRun(t, s, taskID, repoID, time.Now(), store.ModeDefault)

	if _, err := s.DB().ExecContext(ctx, `INSERT INTO provider_secrets (repository_id, provider, encrypted_value) VALUES (?,?,?)`,
		repoID, "zai", "enc-zai"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	leases := &fakeLeases{available: true, lease: dispatch.Lease{WorkerID: "w1", RuntimeEndpoint: "http://w1"}}
	runtime := &fakeRuntime{}
	d := newDispatcher(s, leases, runtime)

	outcome, err := d.Dispatch(ctx, runID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != dispatch.Dispatched {
		t.Fatalf("expected Dispatched, got %s", outcome)
	}

	env := runtime.lastReq.Env
	want := map[string]string{
		"Z_AI_API_KEY":         "zai-secret",
		"ANTHROPIC_AUTH_TOKEN": "zai-secret",
		"ANTHROPIC_API_KEY":    "zai-secret",
		"ANTHROPIC_BASE_URL":   "https://api.z.ai/api/anthropic",
		"HARNESS_MODEL":        "glm-5",
		"ZAI_MODEL":            "glm-5",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}

// Scenario 4: codex review mode.
func TestDispatch_CodexReviewMode(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoID, taskID := seedRepoAndTask(t, s, map[string]any{"harness": "codex"})
	runID := seedRun(t, s, taskID, repoID, time.Now(), store.ModeReview)

	leases := &fakeLeases{available: true, lease: dispatch.Lease{WorkerID: "w1", RuntimeEndpoint: "http://w1"}}
	runtime := &fakeRuntime{}
	d := newDispatcher(s, leases, runtime)

	outcome, err := d.Dispatch(ctx, runID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != dispatch.Dispatched {
		t.Fatalf("expected Dispatched, got %s", outcome)
	}

	env := runtime.lastReq.Env
	if env["CODEX_APPROVAL_POLICY"] != "never" {
		t.Errorf("CODEX_APPROVAL_POLICY = %q, want never", env["CODEX_APPROVAL_POLICY"])
	}
	if env["TASK_MODE"] != "review" {
		t.Errorf("TASK_MODE = %q, want review", env["TASK_MODE"])
	}
	if env["RUN_MODE"] != "review" {
		t.Errorf("RUN_MODE = %q, want review", env["RUN_MODE"])
	}
}

func TestDispatch_RuntimeFailureReleasesLease(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repoID, taskID := seedRepoAndTask(t, s, nil)
	runID := seedRun(t, s, taskID, repoID, time.Now(), store.ModeDefault)

	leases := &fakeLeases{available: true, lease: dispatch.Lease{WorkerID: "w1", RuntimeEndpoint: "http://w1"}}
	runtime := &fakeRuntime{fail: true}
	d := newDispatcher(s, leases, runtime)

	outcome, err := d.Dispatch(ctx, runID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != dispatch.Failed {
		t.Fatalf("expected Failed, got %s", outcome)
	}
	if leases.released != "w1" {
		t.Fatalf("expected lease released on runtime failure, got %q", leases.released)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != store.RunFailed {
		t.Fatalf("expected Failed, got %s", run.State)
	}
}

func TestParseGitHubRepoSlug(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/demo-repo":     "acme/demo-repo",
		"https://github.com/acme/demo-repo.git": "acme/demo-repo",
		"git@github.com:acme/demo-repo.git":     "acme/demo-repo",
	}
	for in, want := range cases {
		if got := dispatch.ParseGitHubRepoSlug(in); got != want {
			t.Errorf("ParseGitHubRepoSlug(%q) = %q, want %q", in, got, want)
		}
	}
}
