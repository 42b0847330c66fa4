// Package dispatch implements the run admission pipeline (C1): deciding
// whether a queued run may start now, assembling its execution context,
// binding it to a leased runtime, and durably marking it Running.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/runtimepool"
	"github.com/basket/agentorch/internal/shared"
	"github.com/basket/agentorch/internal/store"
)

// Outcome is the result of attempting to dispatch one run.
type Outcome string

const (
	Dispatched            Outcome = "dispatched"
	LeftQueued            Outcome = "left_queued"
	MarkedPendingApproval Outcome = "marked_pending_approval"
	Failed                Outcome = "failed"
)

// Lease is the binding a LeaseCoordinator hands back for one run. It is an
// alias of runtimepool.Lease so C2's concrete Pool satisfies LeaseCoordinator
// without a wrapper type.
type Lease = runtimepool.Lease

// LeaseCoordinator is C2's contract as consumed by the dispatcher.
type LeaseCoordinator interface {
	AcquireForDispatch(ctx context.Context, harness, runID string, attempt int) (Lease, bool, error)
	ReleaseOnRunTerminal(ctx context.Context, workerID string) error
}

// DispatchRequest is everything a runtime needs to execute one run.
type DispatchRequest struct {
	RunID       string
	TaskID      string
	Prompt      string
	Command     string
	Env         map[string]string
	Secrets     map[string]string
	RetryCount  int
}

// DispatchResult is the runtime's synchronous acknowledgement.
type DispatchResult struct {
	Success      bool
	ErrorMessage string
	DispatchedAt time.Time
}

// RuntimeClient is C1's RPC contract (§6.2) as consumed by the dispatcher.
type RuntimeClient interface {
	DispatchJob(ctx context.Context, endpoint string, req DispatchRequest) (DispatchResult, error)
	CancelJob(ctx context.Context, endpoint, runID string) error
}

// SecretCrypto decrypts a ProviderSecret's encrypted_value. Decryption
// failures for one secret are warned and the secret omitted, per §4.1.
type SecretCrypto interface {
	Decrypt(ctx context.Context, encrypted string) (string, error)
}

// Limits are the configurable concurrency gates from §6.4.
type Limits struct {
	MaxGlobalConcurrentRuns    int
	EnablePerProjectLimit      bool
	PerProjectConcurrencyLimit int
	PerRepoConcurrencyLimit    int
}

// Dispatcher drives the admission pipeline in §4.1.
type Dispatcher struct {
	store   *store.Store
	leases  LeaseCoordinator
	runtime RuntimeClient
	crypto  SecretCrypto
	bus     *bus.Bus
	limits  Limits
	log     *slog.Logger

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	lastError atomic.Pointer[string]
}

// New builds a Dispatcher. log defaults to slog.Default() if nil.
func New(s *store.Store, leases LeaseCoordinator, runtime RuntimeClient, crypto SecretCrypto, b *bus.Bus, limits Limits, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   s,
		leases:  leases,
		runtime: runtime,
		crypto:  crypto,
		bus:     b,
		limits:  limits,
		log:     log,
		cancels: map[string]context.CancelFunc{},
	}
}

// Tick loads every queued run and attempts to dispatch each, fanned out
// over an errgroup so one slow admission doesn't stall the others.
func (d *Dispatcher) Tick(ctx context.Context) error {
	runs, err := d.store.ListRunsByState(ctx, store.RunQueued)
	if err != nil {
		return fmt.Errorf("list queued runs: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, r := range runs {
		r := r
		g.Go(func() error {
			_, err := d.Dispatch(gctx, r.ID)
			if err != nil {
				d.setLastError(err)
			}
			return nil // a single run's failure never aborts the tick
		})
	}
	return g.Wait()
}

// Dispatch runs the admission pipeline for one run (§4.1).
func (d *Dispatcher) Dispatch(ctx context.Context, runID string) (Outcome, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return Failed, err
	}
	if run.State.IsTerminal() {
		return LeftQueued, nil
	}
	task, err := d.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return Failed, err
	}

	// Step 1: approval gate.
	if task.ApprovalProfile.RequireApproval && run.State == store.RunQueued {
		if err := d.store.MarkRunPendingApproval(ctx, runID); err != nil {
			if err == store.ErrCASFailed {
				return LeftQueued, nil
			}
			return Failed, err
		}
		d.publishState(run, store.RunPendingApproval)
		return MarkedPendingApproval, nil
	}
	if run.State == store.RunPendingApproval {
		// Approval already granted elsewhere (the approver moved it back to
		// Queued); fall through to admission.
	}

	// Step 2: queue-head rule.
	head, err := d.store.IsQueueHead(ctx, run.TaskID, runID)
	if err != nil {
		return Failed, err
	}
	if !head {
		return LeftQueued, nil
	}

	// Supplemented: queue-depth backpressure, deferred not rejected.
	if task.MaxQueueDepth > 0 {
		depth, err := d.store.CountQueuedRunsForTask(ctx, task.ID)
		if err == nil && depth > task.MaxQueueDepth {
			d.log.Warn("queue backlog ceiling reached", "task_id", task.ID, "depth", depth)
			return LeftQueued, nil
		}
	}

	// Step 3: concurrency gates.
	if d.limits.MaxGlobalConcurrentRuns > 0 {
		n, err := d.store.CountActiveRuns(ctx)
		if err != nil {
			return Failed, err
		}
		if n >= d.limits.MaxGlobalConcurrentRuns {
			return LeftQueued, nil
		}
	}
	if d.limits.EnablePerProjectLimit && d.limits.PerProjectConcurrencyLimit > 0 {
		repo, err := d.store.GetRepository(ctx, run.RepositoryID)
		if err == nil {
			n, err := d.store.CountActiveRunsByProject(ctx, repo.ProjectID)
			if err == nil && n >= d.limits.PerProjectConcurrencyLimit {
				return LeftQueued, nil
			}
		}
	}
	if d.limits.PerRepoConcurrencyLimit > 0 {
		n, err := d.store.CountActiveRunsByRepo(ctx, run.RepositoryID)
		if err != nil {
			return Failed, err
		}
		if n >= d.limits.PerRepoConcurrencyLimit {
			return LeftQueued, nil
		}
	}
	if task.ConcurrencyLimit > 0 {
		n, err := d.store.CountActiveRunsByTask(ctx, task.ID)
		if err != nil {
			return Failed, err
		}
		if n >= task.ConcurrencyLimit {
			return LeftQueued, nil
		}
	}

	// Step 4: acquire a runtime lease.
	lease, ok, err := d.leases.AcquireForDispatch(ctx, task.Harness, runID, run.Attempt)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return LeftQueued, nil
	}

	// Step 5: build and send the dispatch request.
	repo, err := d.store.GetRepository(ctx, run.RepositoryID)
	if err != nil {
		_ = d.leases.ReleaseOnRunTerminal(ctx, lease.WorkerID)
		return Failed, err
	}
	req, err := d.buildRequest(ctx, repo, task, run)
	if err != nil {
		_ = d.leases.ReleaseOnRunTerminal(ctx, lease.WorkerID)
		return Failed, err
	}

	result, err := d.runtime.DispatchJob(ctx, lease.RuntimeEndpoint, req)
	if err != nil || !result.Success {
		reason := "Dispatch failed: "
		if err != nil {
			reason += err.Error()
		} else {
			reason += result.ErrorMessage
		}
		_ = d.store.MarkRunCompleted(ctx, runID, false, reason, "", "", store.FailureNone)
		findingID := shared.NewTraceID()
		_ = d.store.CreateFindingFromFailure(ctx, findingID, runID, reason)
		_ = d.leases.ReleaseOnRunTerminal(ctx, lease.WorkerID)
		return Failed, nil
	}

	// Step 6: success.
	if err := d.store.MarkRunStarted(ctx, runID, lease.WorkerID, lease.ContainerID); err != nil {
		if err == store.ErrCASFailed {
			return LeftQueued, nil
		}
		return Failed, err
	}
	_ = d.store.UpdateTaskGitMetadata(ctx, task.ID, time.Time{}, "")
	d.publishState(run, store.RunRunning)
	if d.bus != nil {
		d.bus.Publish(bus.TopicRouteAvailable, map[string]string{"run_id": runID, "endpoint": lease.RuntimeEndpoint})
	}
	return Dispatched, nil
}

// DispatchRunForTask creates a fresh queued run for taskID and immediately
// runs it through the admission pipeline. It is the entry point the DAG
// workflow executor (C5) uses for Agent nodes: each such node dispatches a
// run via C1 and then awaits its terminal state over the bus. promptVars is
// persisted on the run and substituted into the task prompt's "{{key}}"
// placeholders whenever admission actually builds the dispatch request,
// since admission (via Tick) may happen well after this call returns.
func (d *Dispatcher) DispatchRunForTask(ctx context.Context, taskID string, promptVars map[string]string) (string, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load task %s: %w", taskID, err)
	}
	runID := uuid.NewString()
	if err := d.store.CreateRun(ctx, store.Run{
		ID:           runID,
		TaskID:       task.ID,
		RepositoryID: task.RepositoryID,
		State:        store.RunQueued,
		PromptVars:   promptVars,
	}); err != nil {
		return "", fmt.Errorf("dispatch: create run for task %s: %w", taskID, err)
	}
	if _, err := d.Dispatch(ctx, runID); err != nil {
		return runID, err
	}
	return runID, nil
}

// Cancel sends a best-effort cancel RPC; it never mutates run state itself.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.WorkerID == "" {
		return nil
	}
	return d.runtime.CancelJob(ctx, run.WorkerID, runID)
}

func (d *Dispatcher) publishState(run store.Run, newState store.RunState) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID: run.ID, TaskID: run.TaskID, OldState: string(run.State), NewState: string(newState),
	})
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}

// LastError returns the most recent admission-level error, if any.
func (d *Dispatcher) LastError() string {
	if p := d.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// buildRequest assembles the prompt, environment, and secrets for one
// dispatch, per §4.1's layered-prompt and env-mapping rules.
func (d *Dispatcher) buildRequest(ctx context.Context, repo store.Repository, task store.Task, run store.Run) (DispatchRequest, error) {
	prompt := d.layeredPrompt(ctx, repo, task, run)
	env := d.buildEnv(repo, task, run)
	secrets := d.resolveSecrets(ctx, repo, task)

	return DispatchRequest{
		RunID:      run.ID,
		TaskID:     task.ID,
		Prompt:     prompt,
		Command:    task.Command,
		Env:        env,
		Secrets:    secrets,
		RetryCount: run.Attempt - 1,
	}, nil
}

// layeredPrompt assembles the dispatch prompt per §4.1's three ordered
// layers: enabled repository-collection instructions (priority ascending),
// then the repository's embedded instructions, then the task's own
// instructions — each wrapped individually — followed by the task prompt.
func (d *Dispatcher) layeredPrompt(ctx context.Context, repo store.Repository, task store.Task, run store.Run) string {
	var parts []string
	instructions, err := d.store.GetInstructions(ctx, repo.ID)
	if err != nil {
		d.log.Warn("layered prompt: load instructions failed, falling back to embedded only", "repository_id", repo.ID, "error", err)
		instructions = repo.InstructionFiles
	}
	for _, instr := range instructions {
		parts = append(parts, fmt.Sprintf("# Repository instructions\n%s", instr))
	}
	for _, instr := range task.InstructionFiles {
		parts = append(parts, fmt.Sprintf("# Task instructions\n%s", instr))
	}
	taskPrompt := substitutePromptVars(task.Prompt, run.PromptVars)
	if len(parts) == 0 {
		return taskPrompt
	}
	parts = append(parts, taskPrompt)
	return strings.Join(parts, "\n\n")
}

// substitutePromptVars replaces every "{{key}}" placeholder in prompt with
// vars[key], leaving unmatched placeholders untouched.
func substitutePromptVars(prompt string, vars map[string]string) string {
	if len(vars) == 0 {
		return prompt
	}
	for key, val := range vars {
		prompt = strings.ReplaceAll(prompt, "{{"+key+"}}", val)
	}
	return prompt
}

func (d *Dispatcher) buildEnv(repo store.Repository, task store.Task, run store.Run) map[string]string {
	env := map[string]string{
		"GIT_URL":        repo.GitURL,
		"DEFAULT_BRANCH": repo.DefaultBranch,
		"HARNESS_NAME":   task.Harness,
		"GH_REPO":        ParseGitHubRepoSlug(repo.GitURL),
	}
	mode := "default"
	if run.ExecutionMode == store.ModeReview {
		mode = "review"
	}
	env["TASK_MODE"] = mode
	env["RUN_MODE"] = mode

	if task.AutoCreatePR {
		env["AUTO_CREATE_PR"] = "true"
		env["PR_BRANCH"] = PRBranch(repo.Name, task.ID, run.ID)
		env["PR_TITLE"] = fmt.Sprintf("agent: %s", task.Prompt)
		env["PR_BODY"] = task.Prompt
	}

	switch task.Harness {
	case "codex":
		env["CODEX_TRANSPORT"] = "app-server"
		if run.ExecutionMode == store.ModeReview {
			env["CODEX_APPROVAL_POLICY"] = "never"
		} else {
			env["CODEX_APPROVAL_POLICY"] = "on-failure"
		}
	}

	return env
}

// resolveSecrets decrypts every secret bound to this repo/harness and maps
// provider name to the env keys the harness expects, per §4.1.
func (d *Dispatcher) resolveSecrets(ctx context.Context, repo store.Repository, task store.Task) map[string]string {
	out := map[string]string{}
	secrets, err := d.store.ListProviderSecrets(ctx, repo.ID)
	if err != nil {
		return out
	}

	var zaiSecret string
	if s, err := d.findSecret(ctx, secrets, "zai"); err == nil {
		zaiSecret = s
	} else if global, err := d.store.GetProviderSecret(ctx, "global", "llmtornado"); err == nil {
		if dec, err := d.crypto.Decrypt(ctx, global.EncryptedValue); err == nil {
			zaiSecret = dec
		}
	}
	if task.Harness == "zai" && zaiSecret != "" {
		out["Z_AI_API_KEY"] = zaiSecret
		out["ANTHROPIC_AUTH_TOKEN"] = zaiSecret
		out["ANTHROPIC_API_KEY"] = zaiSecret
		out["ANTHROPIC_BASE_URL"] = "https://api.z.ai/api/anthropic"
		out["HARNESS_MODEL"] = "glm-5"
		out["ZAI_MODEL"] = "glm-5"
	}

	for _, sec := range secrets {
		dec, err := d.crypto.Decrypt(ctx, sec.EncryptedValue)
		if err != nil {
			d.log.Warn("secret decrypt failed, omitting", "provider", sec.Provider, "error", err)
			continue
		}
		for _, key := range secretEnvKeys(sec.Provider) {
			out[key] = dec
		}
	}

	settings, err := d.store.GetHarnessProviderSettings(ctx, repo.ID, task.Harness)
	if err == nil {
		if model, ok := settings["model"]; ok {
			out["HARNESS_MODEL"] = model
		}
		if temp, ok := settings["temperature"]; ok {
			if f, err := strconv.ParseFloat(temp, 64); err == nil {
				out["HARNESS_TEMPERATURE"] = strconv.FormatFloat(f, 'f', 2, 64)
			}
		}
		if maxTokens, ok := settings["max_tokens"]; ok {
			out["HARNESS_MAX_TOKENS"] = maxTokens
		}
	}

	return out
}

func (d *Dispatcher) findSecret(ctx context.Context, secrets []store.ProviderSecret, provider string) (string, error) {
	for _, s := range secrets {
		if s.Provider == provider {
			return d.crypto.Decrypt(ctx, s.EncryptedValue)
		}
	}
	return "", fmt.Errorf("no secret for provider %s", provider)
}

func secretEnvKeys(provider string) []string {
	switch provider {
	case "github":
		return []string{"GH_TOKEN", "GITHUB_TOKEN"}
	case "codex":
		return []string{"CODEX_API_KEY"}
	case "opencode":
		return []string{"OPENCODE_API_KEY"}
	case "claude-code":
		return []string{"ANTHROPIC_API_KEY"}
	case "zai":
		return []string{"Z_AI_API_KEY"}
	default:
		return []string{"SECRET_" + strings.ToUpper(provider)}
	}
}

// ParseGitHubRepoSlug implements §6.3's URL normalisation rule.
func ParseGitHubRepoSlug(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimPrefix(url, "https://github.com/")
	url = strings.TrimPrefix(url, "git@github.com:")
	url = strings.TrimSuffix(url, ".git")
	return strings.Trim(url, "/")
}

// PRBranch implements §6.3's branch naming rule. When runID is a parseable
// UUID it is re-encoded through shortuuid so the branch suffix matches the
// same short alphabet used for dead-letter IDs; otherwise it falls back to
// a plain slice so non-UUID run IDs (e.g. test fixtures) still work.
func PRBranch(repoName, taskID, runID string) string {
	short := runID
	if u, err := uuid.Parse(runID); err == nil {
		short = shortuuid.DefaultEncoder.Encode(u)
	} else if len(short) > 8 {
		short = short[:8]
	}
	raw := fmt.Sprintf("agent/%s/%s/%s", repoName, taskID, short)
	raw = strings.ToLower(raw)
	return strings.ReplaceAll(raw, " ", "-")
}
