package projector_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/agentorch/internal/bus"
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

// TestApplyStructuredEvent_FullScenario matches SPEC_FULL §8 scenario 7
// exactly: sequences 1-4 produce a snapshot with last_sequence=4, one
// thinking item, one completed bash tool, and the final diff stat.
func TestApplyStructuredEvent_FullScenario(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	p := projector.New(s, b)
	ctx := context.Background()

	events := []store.RunStructuredEvent{
		{RunID: "run-1", Sequence: 1, Category: "reasoning.delta", PayloadJSON: `{"thinking":"plan"}`},
		{RunID: "run-1", Sequence: 2, Category: "tool.lifecycle", PayloadJSON: `{"tool_call_id":"t1","tool_name":"bash","state":"started"}`},
		{RunID: "run-1", Sequence: 3, Category: "tool.lifecycle", PayloadJSON: `{"tool_call_id":"t1","tool_name":"bash","state":"completed"}`},
		{RunID: "run-1", Sequence: 4, Category: "diff.updated", PayloadJSON: `{"diff_stat":"1 file changed","diff_patch":"--- a/f\n+++ b/f\n"}`},
	}
	for _, e := range events {
		if _, err := p.ApplyStructuredEvent(ctx, e); err != nil {
			t.Fatalf("apply event seq %d: %v", e.Sequence, err)
		}
	}

	snap, err := p.Snapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.LastSequence != 4 {
		t.Fatalf("expected last_sequence=4, got %d", snap.LastSequence)
	}
	if len(snap.Thinking) != 1 || snap.Thinking[0].Content != "plan" {
		t.Fatalf("expected one thinking item \"plan\", got %+v", snap.Thinking)
	}
	if len(snap.Tools) != 1 || snap.Tools[0].ToolName != "bash" || snap.Tools[0].State != "completed" {
		t.Fatalf("expected one completed bash tool, got %+v", snap.Tools)
	}
	if snap.Diff == nil || snap.Diff.DiffStat != "1 file changed" {
		t.Fatalf("expected diff stat \"1 file changed\", got %+v", snap.Diff)
	}
}

func TestApplyStructuredEvent_DedupsLowerOrEqualSequence(t *testing.T) {
	s := openTestStore(t)
	p := projector.New(s, nil)
	ctx := context.Background()

	if _, err := p.ApplyStructuredEvent(ctx, store.RunStructuredEvent{
		RunID: "run-1", Sequence: 5, Category: "reasoning.delta", PayloadJSON: `{"thinking":"first"}`,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	delta, err := p.ApplyStructuredEvent(ctx, store.RunStructuredEvent{
		RunID: "run-1", Sequence: 5, Category: "reasoning.delta", PayloadJSON: `{"thinking":"duplicate"}`,
	})
	if err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}
	if delta != nil {
		t.Fatalf("expected dedup no-op delta, got %+v", delta)
	}

	snap, err := p.Snapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Thinking) != 1 || snap.Thinking[0].Content != "first" {
		t.Fatalf("expected duplicate to be dropped, got %+v", snap.Thinking)
	}
}

func TestHydrate_ReplaysPersistedEventsOnFirstTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendRunStructuredEvent(ctx, store.RunStructuredEvent{
		RunID: "run-1", Sequence: 1, Category: "reasoning.delta", PayloadJSON: `{"thinking":"hydrated"}`,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	p := projector.New(s, nil)
	snap, err := p.Snapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Thinking) != 1 || snap.Thinking[0].Content != "hydrated" {
		t.Fatalf("expected hydration to replay the persisted event, got %+v", snap.Thinking)
	}
}

func TestDecode_FillsDefaultsAndValidatesSchema(t *testing.T) {
	out := projector.Decode(projector.RawEvent{
		RunID:       "run-1",
		PayloadJSON: `  `,
	})
	if out.EventType != "structured" || out.Category != "structured" {
		t.Fatalf("expected defaulted event_type/category, got %+v", out)
	}
	if out.PayloadJSON != "{}" {
		t.Fatalf("expected whitespace payload normalized to {}, got %q", out.PayloadJSON)
	}

	invalid := projector.Decode(projector.RawEvent{
		RunID:       "run-1",
		PayloadJSON: `{"thinking": 123}`, // wrong type per the bundled schema
	})
	if invalid.Category != "structured.invalid" {
		t.Fatalf("expected schema violation to downgrade category, got %q", invalid.Category)
	}
}

func TestNormalizePayload_UnparseableBecomesEscapedString(t *testing.T) {
	got := projector.NormalizePayload("not json at all")
	if got != `"not json at all"` {
		t.Fatalf("expected JSON-escaped string, got %q", got)
	}
}
