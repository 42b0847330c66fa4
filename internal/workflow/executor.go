package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/condition"
	"github.com/basket/agentorch/internal/store"
)

// RunDispatcher is C1's contract as consumed by the workflow executor: it
// creates a fresh run for a task and puts it through the admission pipeline.
// promptVars carries an Agent node's input_mappings, resolved against the
// execution's context, for substitution into the task's prompt.
type RunDispatcher interface {
	DispatchRunForTask(ctx context.Context, taskID string, promptVars map[string]string) (runID string, err error)
}

// Executor drives one workflow Definition's executions (§4.5).
type Executor struct {
	store            *store.Store
	bus              *bus.Bus
	dispatcher       RunDispatcher
	waiter           *RunWaiter
	logger           *slog.Logger
	approvalTimeout  time.Duration
}

// NewExecutor builds an Executor. approvalTimeout bounds how long an
// Approval node may wait for a response before it's timed out and routed
// to dead-lettering; pass 0 to fall back to the config package's default of
// 24 hours.
func NewExecutor(s *store.Store, b *bus.Bus, dispatcher RunDispatcher, waiter *RunWaiter, approvalTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if approvalTimeout <= 0 {
		approvalTimeout = 24 * time.Hour
	}
	return &Executor{store: s, bus: b, dispatcher: dispatcher, waiter: waiter, approvalTimeout: approvalTimeout, logger: logger}
}

type nodeDone struct {
	nodeID     string
	result     NodeResult
	cancelExec bool
}

// Execute runs def to completion (or cancellation), returning the final
// Execution record. It never returns a partial Execution: the returned
// state is always terminal (Succeeded, Failed, or Cancelled) except when an
// error is also returned.
func (e *Executor) Execute(ctx context.Context, def *Definition, initialContext map[string]any) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: invalid definition: %w", err)
	}

	ctxCopy := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctxCopy[k] = v
	}

	exec := &Execution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		State:          ExecutionRunning,
		NodeResults:    map[string]NodeResult{},
		Context:        ctxCopy,
		ActivatedEdges: map[string]bool{},
		CreatedAt:      time.Now().UTC(),
	}

	var startID string
	for _, n := range def.Nodes {
		if n.Kind == NodeStart {
			startID = n.ID
		}
	}

	var sem chan struct{}
	if def.MaxConcurrentNodes > 0 {
		sem = make(chan struct{}, def.MaxConcurrentNodes)
	}

	pendingIn := map[string]map[string]bool{}
	activatedIn := map[string]int{}
	scheduled := map[string]bool{}
	for _, n := range def.Nodes {
		if n.Kind == NodeStart {
			continue
		}
		set := map[string]bool{}
		for _, edge := range def.InEdges(n.ID) {
			set[edgeKey(edge)] = true
		}
		pendingIn[n.ID] = set
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	done := make(chan nodeDone, len(def.Nodes)*2)
	inflight := 0

	schedule := func(nodeID string) {
		inflight++
		go e.runNode(execCtx, def, exec, nodeID, sem, done)
	}

	// process resolves nodeID's out-edges against its just-recorded result,
	// scheduling (or skipping) every downstream node whose in-edges are now
	// all resolved.
	process := func(nodeID string) {
		for _, edge := range def.OutEdges(nodeID) {
			activated := e.evaluateEdge(exec, nodeID, edge)
			exec.ActivatedEdges[edgeKey(edge)] = activated
			if set := pendingIn[edge.To]; set != nil {
				delete(set, edgeKey(edge))
			}
			if activated {
				activatedIn[edge.To]++
			}
			if pendingIn[edge.To] != nil && len(pendingIn[edge.To]) == 0 && !scheduled[edge.To] {
				scheduled[edge.To] = true
				if activatedIn[edge.To] > 0 {
					schedule(edge.To)
				} else {
					inflight++
					go func(id string) {
						done <- nodeDone{nodeID: id, result: NodeResult{
							State: NodeSkipped, StartedAt: time.Now(), EndedAt: time.Now(),
						}}
					}(edge.To)
				}
			}
		}
	}

	exec.NodeResults[startID] = NodeResult{State: NodeSucceeded, StartedAt: exec.CreatedAt, EndedAt: exec.CreatedAt}
	process(startID)

	var finishErr error
loop:
	for {
		if inflight == 0 {
			exec.State = ExecutionFailed
			break loop
		}
		select {
		case <-ctx.Done():
			exec.State = ExecutionCancelled
			finishErr = ctx.Err()
			break loop
		case d := <-done:
			inflight--
			exec.NodeResults[d.nodeID] = d.result
			e.bus.Publish(bus.TopicWorkflowNodeCompleted, map[string]string{
				"execution_id": exec.ID, "node_id": d.nodeID, "state": string(d.result.State),
			})

			n, _ := def.NodeByID(d.nodeID)
			switch {
			case n.Kind == NodeEnd && d.result.State == NodeSucceeded:
				exec.State = ExecutionSucceeded
				break loop
			case d.cancelExec:
				exec.State = ExecutionCancelled
				break loop
			case d.result.State == NodeDeadLettered, d.result.State == NodeTimedOut:
				if err := e.deadLetter(ctx, exec, d.nodeID, d.result); err != nil {
					e.logger.Error("workflow_dead_letter_persist_failed", "error", err, "execution_id", exec.ID, "node_id", d.nodeID)
				}
				hasRecovery := false
				for _, edge := range def.OutEdges(d.nodeID) {
					if e.evaluateEdge(exec, d.nodeID, edge) {
						hasRecovery = true
						break
					}
				}
				if !hasRecovery {
					exec.State = ExecutionFailed
					break loop
				}
				process(d.nodeID)
			default:
				process(d.nodeID)
			}
		}
	}

	exec.EndedAt = time.Now().UTC()
	e.bus.Publish(bus.TopicWorkflowExecutionCompleted, map[string]string{
		"execution_id": exec.ID, "workflow_id": def.ID, "state": string(exec.State),
	})
	return exec, finishErr
}

func (e *Executor) evaluateEdge(exec *Execution, sourceNodeID string, edge Edge) bool {
	res := exec.NodeResults[sourceNodeID]
	runState := res.RunState
	if runState == "" {
		runState = strings.ToLower(string(res.State))
	}
	vars := map[string]any{
		"run":     map[string]any{"state": runState},
		"node":    map[string]any{"state": strings.ToLower(string(res.State)), "attempt": res.Attempt},
		"context": exec.Context,
	}
	prog, err := condition.Compile(normalizeCondition(edge.Condition), []string{"run", "node", "context"})
	if err != nil {
		e.logger.Warn("workflow_edge_condition_invalid", "from", edge.From, "to", edge.To, "condition", edge.Condition, "error", err)
		return false
	}
	ok, err := prog.Eval(vars)
	if err != nil {
		return false
	}
	return ok
}

// runNode executes one node and always sends exactly one nodeDone.
func (e *Executor) runNode(ctx context.Context, def *Definition, exec *Execution, nodeID string, sem chan struct{}, done chan<- nodeDone) {
	n, _ := def.NodeByID(nodeID)
	started := time.Now()
	e.bus.Publish(bus.TopicWorkflowNodeStarted, map[string]string{"execution_id": exec.ID, "node_id": nodeID})

	switch n.Kind {
	case NodeEnd:
		done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeSucceeded, StartedAt: started, EndedAt: time.Now()}}

	case NodeDelay:
		select {
		case <-time.After(time.Duration(n.DelaySeconds) * time.Second):
			done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeSucceeded, StartedAt: started, EndedAt: time.Now()}}
		case <-ctx.Done():
			done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeFailed, StartedAt: started, EndedAt: time.Now()}}
		}

	case NodeApproval:
		exec.PendingApprovalNodeID = nodeID
		exec.State = ExecutionPendingApproval
		e.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequest{ExecutionID: exec.ID, NodeID: nodeID, Role: n.ApprovalRole})

		sub := e.bus.Subscribe(bus.TopicApprovalResponse)
		defer e.bus.Unsubscribe(sub)
		timeout := time.NewTimer(e.approvalTimeout)
		defer timeout.Stop()
		for {
			select {
			case <-ctx.Done():
				done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeFailed, StartedAt: started, EndedAt: time.Now()}}
				return
			case <-timeout.C:
				exec.PendingApprovalNodeID = ""
				exec.State = ExecutionRunning
				done <- nodeDone{nodeID: nodeID, result: NodeResult{
					State: NodeTimedOut, Summary: "approval stage timed out", StartedAt: started, EndedAt: time.Now(),
				}}
				return
			case evt, ok := <-sub.Ch():
				if !ok {
					done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeFailed, StartedAt: started, EndedAt: time.Now()}}
					return
				}
				resp, ok := evt.Payload.(bus.ApprovalResponse)
				if !ok || resp.ExecutionID != exec.ID {
					continue
				}
				exec.PendingApprovalNodeID = ""
				exec.State = ExecutionRunning
				if resp.Approved {
					done <- nodeDone{nodeID: nodeID, result: NodeResult{
						State: NodeSucceeded, Summary: resp.Reason, StartedAt: started, EndedAt: time.Now(),
					}}
				} else {
					done <- nodeDone{nodeID: nodeID, result: NodeResult{
						State: NodeFailed, Summary: resp.Reason, StartedAt: started, EndedAt: time.Now(),
					}, cancelExec: true}
				}
				return
			}
		}

	case NodeAgent:
		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				done <- nodeDone{nodeID: nodeID, result: NodeResult{State: NodeFailed, StartedAt: started, EndedAt: time.Now()}}
				return
			}
		}
		maxAttempts := n.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		promptVars := e.resolveInputMappings(exec, n)
		var lastRun store.Run
		attempt := 0
		for attempt = 1; attempt <= maxAttempts; attempt++ {
			runID, err := e.dispatcher.DispatchRunForTask(ctx, n.TaskID, promptVars)
			if err != nil {
				e.logger.Warn("workflow_agent_dispatch_failed", "node_id", nodeID, "attempt", attempt, "error", err)
				continue
			}
			run, err := e.waiter.WaitForTerminal(ctx, runID)
			if err != nil {
				e.logger.Warn("workflow_agent_wait_failed", "node_id", nodeID, "run_id", runID, "error", err)
				continue
			}
			lastRun = run
			if run.State == store.RunSucceeded {
				break
			}
		}

		state := NodeFailed
		switch {
		case lastRun.State == store.RunSucceeded:
			state = NodeSucceeded
		case attempt > maxAttempts:
			state = NodeDeadLettered
		}
		e.applyOutputMappings(exec, n, lastRun)
		done <- nodeDone{nodeID: nodeID, result: NodeResult{
			State: state, RunID: lastRun.ID, RunState: strings.ToLower(string(lastRun.State)),
			Attempt: attempt, Summary: lastRun.Summary, StartedAt: started, EndedAt: time.Now(),
		}}
	}

	e.bus.Publish(bus.TopicWorkflowNodeCompleted, map[string]string{"execution_id": exec.ID, "node_id": nodeID})
}

// resolveInputMappings turns an Agent node's input_mappings (prompt
// placeholder -> context key) into the placeholder -> value substitution
// map the dispatcher splices into the task prompt. A context key with no
// matching entry yet (an upstream node hasn't set it) is skipped, leaving
// its placeholder untouched in the prompt.
func (e *Executor) resolveInputMappings(exec *Execution, n Node) map[string]string {
	if len(n.InputMappings) == 0 {
		return nil
	}
	vars := make(map[string]string, len(n.InputMappings))
	for placeholder, ctxKey := range n.InputMappings {
		v, ok := exec.Context[ctxKey]
		if !ok {
			continue
		}
		vars[placeholder] = fmt.Sprintf("%v", v)
	}
	return vars
}

func (e *Executor) applyOutputMappings(exec *Execution, n Node, run store.Run) {
	for ctxKey, source := range n.OutputMappings {
		switch source {
		case "run.summary", "node.summary":
			exec.Context[ctxKey] = run.Summary
		case "run.state":
			exec.Context[ctxKey] = string(run.State)
		case "run.prurl":
			exec.Context[ctxKey] = run.PRUrl
		case "node.state":
			if run.State == store.RunSucceeded {
				exec.Context[ctxKey] = string(NodeSucceeded)
			} else {
				exec.Context[ctxKey] = string(NodeFailed)
			}
		}
	}
}

func (e *Executor) deadLetter(ctx context.Context, exec *Execution, nodeID string, result NodeResult) error {
	ctxJSON, err := marshalContext(exec.Context)
	if err != nil {
		return err
	}
	return e.store.CreateDeadLetter(ctx, store.DeadLetterRecord{
		ID:               uuid.NewString(),
		ExecutionID:      exec.ID,
		WorkflowID:       exec.WorkflowID,
		FailedNodeID:     nodeID,
		Attempt:          result.Attempt,
		InputContextJSON: ctxJSON,
	})
}
