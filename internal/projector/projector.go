// Package projector implements the Structured View Projector (C4): an
// in-memory, per-run snapshot of a run's timeline, reasoning, tool calls and
// latest diff, built by applying sequenced structured events.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/store"
)

// ThinkingItem is one reasoning delta surfaced to the timeline.
type ThinkingItem struct {
	Sequence int64
	Content  string
}

// ToolCall tracks one tool invocation's lifecycle.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	State      string
	StartedAt  int64 // sequence at first sight, used to preserve ordering
}

// Diff is the latest diff snapshot surfaced for a run.
type Diff struct {
	DiffStat  string
	DiffPatch string
}

// TimelineEntry is the raw sequenced record kept for replay/inspection.
type TimelineEntry struct {
	Sequence  int64
	Category  string
	EventType string
	Summary   string
}

// Snapshot is the full per-run in-memory projection (§4.4).
type Snapshot struct {
	LastSequence int64
	Timeline     []TimelineEntry
	Thinking     []ThinkingItem
	Tools        []ToolCall
	Diff         *Diff
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{LastSequence: s.LastSequence}
	out.Timeline = append(out.Timeline, s.Timeline...)
	out.Thinking = append(out.Thinking, s.Thinking...)
	out.Tools = append(out.Tools, s.Tools...)
	if s.Diff != nil {
		d := *s.Diff
		out.Diff = &d
	}
	return out
}

// Delta describes what changed as the result of applying one event, so a
// caller can emit targeted notifications instead of diffing snapshots.
type Delta struct {
	NewThinking *ThinkingItem
	UpdatedTool *ToolCall
	UpdatedDiff *Diff
}

// Projector owns the in-process snapshot cache, keyed by run id. Per §9's
// "global mutable state" note, this is the one long-lived in-process cache
// in the system — sharded by a mutex per run to avoid one global lock.
type Projector struct {
	store *store.Store
	bus   *bus.Bus

	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

// New builds a Projector backed by store for cold hydration and bus for
// publishing deltas.
func New(s *store.Store, b *bus.Bus) *Projector {
	return &Projector{
		store:     s,
		bus:       b,
		snapshots: make(map[string]*Snapshot),
	}
}

// Snapshot returns a defensive copy of run's current projection, hydrating
// from the store on first touch.
func (p *Projector) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	snap, err := p.hydrated(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.clone(), nil
}

func (p *Projector) hydrated(ctx context.Context, runID string) (*Snapshot, error) {
	p.mu.Lock()
	snap, ok := p.snapshots[runID]
	p.mu.Unlock()
	if ok {
		return snap, nil
	}

	events, err := p.store.ListRunStructuredEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("projector: hydrate %s: %w", runID, err)
	}
	snap = &Snapshot{}
	for _, e := range events {
		applyLocked(snap, e)
	}
	if diff, ok, err := p.store.GetRunDiffSnapshot(ctx, runID); err == nil && ok {
		snap.Diff = &Diff{DiffStat: diff.DiffStat, DiffPatch: diff.DiffPatch}
	}

	p.mu.Lock()
	if existing, ok := p.snapshots[runID]; ok {
		snap = existing // lost the race to another hydration; use theirs
	} else {
		p.snapshots[runID] = snap
	}
	p.mu.Unlock()
	return snap, nil
}

// ApplyStructuredEvent applies one sequenced event to run's projection,
// persists it, and returns the delta describing what changed — nil if the
// event was a dedup no-op (sequence ≤ last_sequence).
func (p *Projector) ApplyStructuredEvent(ctx context.Context, e store.RunStructuredEvent) (*Delta, error) {
	snap, err := p.hydrated(ctx, e.RunID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Sequence <= snap.LastSequence {
		return nil, nil
	}

	if err := p.store.AppendRunStructuredEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("projector: persist event: %w", err)
	}

	delta := applyLocked(snap, e)

	if delta.UpdatedDiff != nil {
		if err := p.store.UpsertRunDiffSnapshot(ctx, store.RunDiffSnapshot{
			RunID: e.RunID, Sequence: e.Sequence,
			DiffStat: delta.UpdatedDiff.DiffStat, DiffPatch: delta.UpdatedDiff.DiffPatch,
		}); err != nil {
			return nil, fmt.Errorf("projector: upsert diff snapshot: %w", err)
		}
	}

	if p.bus != nil {
		p.bus.Publish(bus.TopicRunStructured, bus.RunStructuredEventPublished{
			RunID: e.RunID, Sequence: e.Sequence, Category: e.Category,
		})
		if delta.UpdatedDiff != nil {
			p.bus.Publish(bus.TopicRunDiffUpdated, bus.RunDiffUpdatedEvent{
				RunID: e.RunID, Sequence: e.Sequence, DiffStat: delta.UpdatedDiff.DiffStat,
			})
		}
	}
	return &delta, nil
}

// applyLocked mutates snap in place for one event and returns the delta.
// Caller must hold p.mu (or own snap exclusively, as during hydration).
func applyLocked(snap *Snapshot, e store.RunStructuredEvent) Delta {
	snap.Timeline = append(snap.Timeline, TimelineEntry{
		Sequence: e.Sequence, Category: e.Category, EventType: e.EventType, Summary: e.Summary,
	})

	var delta Delta
	switch e.Category {
	case "reasoning.delta":
		content := payloadString(e.PayloadJSON, "thinking")
		item := ThinkingItem{Sequence: e.Sequence, Content: content}
		snap.Thinking = append(snap.Thinking, item)
		delta.NewThinking = &item

	case "tool.lifecycle":
		callID := payloadString(e.PayloadJSON, "tool_call_id")
		toolName := payloadString(e.PayloadJSON, "tool_name")
		state := payloadString(e.PayloadJSON, "state")
		found := false
		for i := range snap.Tools {
			t := &snap.Tools[i]
			if t.ToolCallID == callID && t.ToolName == toolName {
				t.State = state
				delta.UpdatedTool = t
				found = true
				break
			}
		}
		if !found {
			tc := ToolCall{ToolCallID: callID, ToolName: toolName, State: state, StartedAt: e.Sequence}
			snap.Tools = append(snap.Tools, tc)
			delta.UpdatedTool = &snap.Tools[len(snap.Tools)-1]
		}

	case "diff.updated":
		d := Diff{
			DiffStat:  payloadString(e.PayloadJSON, "diff_stat"),
			DiffPatch: payloadString(e.PayloadJSON, "diff_patch"),
		}
		snap.Diff = &d
		delta.UpdatedDiff = &d
	}

	snap.LastSequence = e.Sequence
	return delta
}

// payloadString extracts a string field from a JSON payload, tolerating a
// non-object or missing-key payload by returning "".
func payloadString(payloadJSON, key string) string {
	if strings.TrimSpace(payloadJSON) == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &m); err != nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
