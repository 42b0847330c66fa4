package alerts_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentorch/internal/alerts"
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

type recordingNotifier struct {
	fired []string
}

func (n *recordingNotifier) Notify(ctx context.Context, ruleType, message string) error {
	n.fired = append(n.fired, ruleType)
	return nil
}

func TestChecker_QueueBacklogFires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := store.Run{ID: "run-" + string(rune('a'+i)), TaskID: "task-1", RepositoryID: "repo-1", State: store.RunRunning}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}
	if err := s.SaveAlertRule(ctx, store.AlertRuleRecord{ID: "r1", RuleType: "QueueBacklog", Threshold: 2, Enabled: true}); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	n := &recordingNotifier{}
	checker := alerts.NewChecker(s, nil, n)
	if err := checker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.fired) != 1 || n.fired[0] != "QueueBacklog" {
		t.Fatalf("expected QueueBacklog to fire, got %v", n.fired)
	}
}

func TestChecker_QueueBacklogDoesNotFireUnderThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveAlertRule(ctx, store.AlertRuleRecord{ID: "r1", RuleType: "QueueBacklog", Threshold: 5, Enabled: true}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	n := &recordingNotifier{}
	checker := alerts.NewChecker(s, nil, n)
	if err := checker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.fired) != 0 {
		t.Fatalf("expected no firing, got %v", n.fired)
	}
}

func TestChecker_MissingHeartbeatFiresForStaleWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertWorker(ctx, store.Worker{
		ID: "worker-1", Endpoint: "http://x", Status: store.WorkerIdle, MaxSlots: 1,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}
	if err := s.SaveAlertRule(ctx, store.AlertRuleRecord{ID: "r1", RuleType: "MissingHeartbeat", Threshold: 10, Enabled: true}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	n := &recordingNotifier{}
	checker := alerts.NewChecker(s, nil, n)
	if err := checker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.fired) != 1 {
		t.Fatalf("expected MissingHeartbeat to fire, got %v", n.fired)
	}
}

func TestChecker_RouteLeakDetectionFires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1", OutputJSON: `{"note":"see HTTPS://internal.example/admin"}`}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.SaveAlertRule(ctx, store.AlertRuleRecord{ID: "r1", RuleType: "RouteLeakDetection", Threshold: 1, WindowMinutes: 60, Enabled: true}); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	n := &recordingNotifier{}
	checker := alerts.NewChecker(s, nil, n)
	if err := checker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(n.fired) != 1 {
		t.Fatalf("expected RouteLeakDetection to fire, got %v", n.fired)
	}
}

func TestLeakDetector_ScanFindsAPIKey(t *testing.T) {
	d := alerts.NewLeakDetector()
	warnings := d.Scan(`api_key: "sk-abcdefghijklmnopqrstuvwx"`)
	if len(warnings) == 0 {
		t.Fatal("expected at least one leak warning")
	}
}

func TestChecker_TickNotifiesOnLeakedSecretInRunOutput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, store.Run{
		ID: "run-1", TaskID: "task-1", RepositoryID: "repo-1",
		OutputJSON: `{"log":"api_key: \"sk-abcdefghijklmnopqrstuvwx\""}`,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	n := &recordingNotifier{}
	checker := alerts.NewChecker(s, nil, n)
	if err := checker.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	found := false
	for _, rt := range n.fired {
		if rt == "SecretLeakDetected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SecretLeakDetected to fire, got %v", n.fired)
	}
}
