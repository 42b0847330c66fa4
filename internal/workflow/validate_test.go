package workflow_test

import (
	"testing"

	"github.com/basket/agentorch/internal/workflow"
)

func linearDef() *workflow.Definition {
	return &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "a", Kind: workflow.NodeAgent, TaskID: "task-a"},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "a", Priority: 0},
			{From: "a", To: "end", Priority: 0},
		},
	}
}

func TestValidate_AcceptsLinearDAG(t *testing.T) {
	if err := linearDef().Validate(); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestValidate_RejectsMissingStart(t *testing.T) {
	def := linearDef()
	def.Nodes[0].Kind = workflow.NodeAgent
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for missing Start node")
	}
}

func TestValidate_RejectsMissingEnd(t *testing.T) {
	def := linearDef()
	def.Nodes[2].Kind = workflow.NodeAgent
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for missing End node")
	}
}

func TestValidate_RejectsSelfLoop(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, workflow.Edge{From: "a", To: "a"})
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for self-loop")
	}
}

func TestValidate_RejectsCycle(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, workflow.Edge{From: "end", To: "start"})
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for cycle")
	}
}

func TestValidate_RejectsUnreachableNode(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, workflow.Node{ID: "orphan", Kind: workflow.NodeAgent, TaskID: "task-b"})
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for unreachable node")
	}
}

func TestValidate_RejectsDuplicatePriority(t *testing.T) {
	def := linearDef()
	def.Nodes = append(def.Nodes, workflow.Node{ID: "b", Kind: workflow.NodeAgent, TaskID: "task-b"})
	def.Edges = append(def.Edges, workflow.Edge{From: "start", To: "b", Priority: 0})
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for duplicate edge priority from the same source")
	}
}

func TestValidate_RejectsInvalidCondition(t *testing.T) {
	def := linearDef()
	def.Edges[1].Condition = "this is not valid cel("
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for invalid condition expression")
	}
}
