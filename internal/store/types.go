// Package store is the durable persistence layer for the orchestrator
// control plane: projects, repositories, tasks, runs, runtime workers,
// structured events, diffs, workflows and their executions, dead letters,
// and alert rules. It is backed by SQLite (mattn/go-sqlite3) the way
// internal/persistence backed the chat-agent store in the prior system.
package store

import "time"

// RunState is the terminal/non-terminal lifecycle of a Run.
type RunState string

const (
	RunQueued          RunState = "queued"
	RunRunning         RunState = "running"
	RunPendingApproval RunState = "pending_approval"
	RunSucceeded       RunState = "succeeded"
	RunFailed          RunState = "failed"
	RunCancelled       RunState = "cancelled"
	RunObsolete        RunState = "obsolete"
)

// IsTerminal reports whether r can never transition again.
func (r RunState) IsTerminal() bool {
	switch r {
	case RunSucceeded, RunFailed, RunCancelled, RunObsolete:
		return true
	default:
		return false
	}
}

// FailureClass is the closed set of failure classifications a Run may
// carry. Every other failure reason is free text with no classification.
type FailureClass string

const (
	FailureNone            FailureClass = ""
	FailureEnvelope        FailureClass = "envelope_validation"
	FailureTimeout         FailureClass = "timeout"
	FailureOrphanRecovery  FailureClass = "orphan_recovery"
	FailureStaleRun        FailureClass = "stale_run"
	FailureZombieRun       FailureClass = "zombie_run"
	FailureOverdueRun      FailureClass = "overdue_run"
)

// ExecutionMode distinguishes a default run from one opened for review.
type ExecutionMode string

const (
	ModeDefault ExecutionMode = "default"
	ModeReview  ExecutionMode = "review"
)

// TaskKind selects how a Task is triggered.
type TaskKind string

const (
	TaskOneShot      TaskKind = "one_shot"
	TaskCron         TaskKind = "cron"
	TaskEventDriven  TaskKind = "event_driven"
)

type ApprovalProfile struct {
	RequireApproval bool `json:"require_approval"`
}

type TaskTimeouts struct {
	ExecutionSeconds int `json:"execution_seconds"`
}

type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	BackoffBase  float64 `json:"backoff_base"`
	BackoffMult  float64 `json:"backoff_mult"`
}

// Task is a recurring or one-shot unit of work bound to a repository.
type Task struct {
	ID                  string
	RepositoryID        string
	Harness             string
	Prompt              string
	Command             string
	ConcurrencyLimit    int
	ApprovalProfile     ApprovalProfile
	Timeouts            TaskTimeouts
	RetryPolicy         RetryPolicy
	ArtifactPatterns    []string
	InstructionFiles    []string
	Kind                TaskKind
	CronExpression      string
	Enabled             bool
	AutoCreatePR        bool
	MaxQueueDepth       int
	LastGitSyncAt       time.Time
	LastGitError        string
	LinkedFailureRuns   []string
}

// Repository is a git checkout target task belong to.
type Repository struct {
	ID                string
	ProjectID         string
	Name              string
	GitURL            string
	DefaultBranch     string
	InstructionFiles  []string
}

// Project is the top-level immutable grouping of repositories.
type Project struct {
	ID   string
	Name string
}

// InstructionCollection is a named, priority-ordered bundle of instruction
// text that can be enabled for a repository and layered into every
// dispatch prompt ahead of the repository's own embedded instructions.
type InstructionCollection struct {
	ID           string
	RepositoryID string
	Name         string
	Content      string
	Priority     int
	Enabled      bool
}

// Run is one attempt at executing a Task.
type Run struct {
	ID            string
	TaskID        string
	RepositoryID  string
	State         RunState
	Attempt       int
	WorkerID      string
	ContainerID   string
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	PRUrl         string
	OutputJSON    string
	Summary       string
	Reason        string
	FailureClass  FailureClass
	ExecutionMode ExecutionMode
	PromptVars    map[string]string // prompt placeholder -> substitution value, from a workflow Agent node's input_mappings
}

// WorkerStatus is the lifecycle state of a runtime worker.
type WorkerStatus string

const (
	WorkerOffline  WorkerStatus = "offline"
	WorkerIdle     WorkerStatus = "idle"
	WorkerLeased   WorkerStatus = "leased"
	WorkerDraining WorkerStatus = "draining"
)

// Worker is a registered runtime capable of executing one or more harnesses.
type Worker struct {
	ID              string
	Endpoint        string
	Status          WorkerStatus
	Capabilities    []string
	MaxSlots        int
	ActiveSlots     int
	LastHeartbeat   time.Time
	LeaseExpiresAt  time.Time
}

// ProviderSecret is an encrypted credential scoped to a repository (or the
// literal repository id "global") and a named provider.
type ProviderSecret struct {
	RepositoryID   string
	Provider       string
	EncryptedValue string
}

// RunStructuredEvent is one sequenced, categorised event emitted by a
// runtime while executing a run.
type RunStructuredEvent struct {
	RunID         string
	Sequence      int64
	Category      string
	EventType     string
	PayloadJSON   string
	SchemaVersion string
	Summary       string
	Error         string
	Timestamp     time.Time
}

// RunDiffSnapshot is the latest known diff for a run.
type RunDiffSnapshot struct {
	RunID     string
	Sequence  int64
	DiffStat  string
	DiffPatch string
}
