package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/agentorch/internal/store"
)

// definitionDoc is the JSON-on-the-wire shape of a workflow v2 document,
// kept distinct from Definition so field renames on disk don't ripple
// through the execution engine's types.
type definitionDoc struct {
	Nodes []struct {
		ID             string            `json:"id"`
		Kind           string            `json:"kind"`
		TaskID         string            `json:"task_id,omitempty"`
		DelaySeconds   int               `json:"delay_seconds,omitempty"`
		ApprovalRole   string            `json:"approval_role,omitempty"`
		MaxAttempts    int               `json:"max_attempts,omitempty"`
		InputMappings  map[string]string `json:"input_mappings,omitempty"`
		OutputMappings map[string]string `json:"output_mappings,omitempty"`
	} `json:"nodes"`
	Edges []struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Condition string `json:"condition,omitempty"`
		Priority  int    `json:"priority,omitempty"`
	} `json:"edges"`
}

// ParseDefinition decodes a workflow v2 JSON document into a Definition.
func ParseDefinition(id, repositoryID string, maxConcurrentNodes int, definitionJSON string) (*Definition, error) {
	var doc definitionDoc
	if err := json.Unmarshal([]byte(definitionJSON), &doc); err != nil {
		return nil, fmt.Errorf("workflow: parse definition_json: %w", err)
	}
	def := &Definition{ID: id, RepositoryID: repositoryID, MaxConcurrentNodes: maxConcurrentNodes}
	for _, n := range doc.Nodes {
		def.Nodes = append(def.Nodes, Node{
			ID:             n.ID,
			Kind:           NodeKind(n.Kind),
			TaskID:         n.TaskID,
			DelaySeconds:   n.DelaySeconds,
			ApprovalRole:   n.ApprovalRole,
			MaxAttempts:    n.MaxAttempts,
			InputMappings:  n.InputMappings,
			OutputMappings: n.OutputMappings,
		})
	}
	for _, e := range doc.Edges {
		def.Edges = append(def.Edges, Edge{From: e.From, To: e.To, Condition: e.Condition, Priority: e.Priority})
	}
	return def, nil
}

// LoadDefinition fetches and parses a workflow record from the store.
func LoadDefinition(ctx context.Context, s *store.Store, workflowID string) (*Definition, error) {
	rec, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(rec.ID, rec.RepositoryID, rec.MaxConcurrentNodes, rec.DefinitionJSON)
}

// marshalContext serialises an execution's context map for persistence.
func marshalContext(ctx map[string]any) (string, error) {
	b, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("workflow: marshal context: %w", err)
	}
	return string(b), nil
}

// PersistExecution writes exec's current state to the store as a
// WorkflowExecutionRecord.
func PersistExecution(ctx context.Context, s *store.Store, exec *Execution) error {
	ctxJSON, err := marshalContext(exec.Context)
	if err != nil {
		return err
	}
	resultsJSON, err := json.Marshal(exec.NodeResults)
	if err != nil {
		return fmt.Errorf("workflow: marshal node results: %w", err)
	}
	return s.SaveWorkflowExecution(ctx, store.WorkflowExecutionRecord{
		ID:                    exec.ID,
		WorkflowID:            exec.WorkflowID,
		State:                 string(exec.State),
		NodeResultsJSON:       string(resultsJSON),
		ContextJSON:           ctxJSON,
		PendingApprovalNodeID: exec.PendingApprovalNodeID,
		CreatedAt:             exec.CreatedAt,
		EndedAt:               exec.EndedAt,
	})
}

// ReplayFromDeadLetter builds a fresh Definition-scoped context from a
// DeadLetter's input snapshot so a new Execute call can retry the failed
// node's subtree with the same inputs that led to dead-lettering.
func ReplayFromDeadLetter(ctx context.Context, s *store.Store, deadLetterID string) (map[string]any, string, error) {
	dl, err := s.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, "", err
	}
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(dl.InputContextJSON), &snapshot); err != nil {
		return nil, "", fmt.Errorf("workflow: unmarshal dead letter snapshot: %w", err)
	}
	return snapshot, dl.WorkflowID, nil
}
