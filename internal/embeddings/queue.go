// Package embeddings implements eventstream.EmbeddingQueue: a fire-and-forget
// sink for "go generate a semantic embedding for this run's output" jobs.
// Embedding generation itself is an external collaborator's job; this queue
// only guarantees the request reaches that collaborator without blocking the
// caller.
package embeddings

import (
	"context"
	"log/slog"
)

// Job is one fire-and-forget embedding request.
type Job struct {
	TaskID string
	RunID  string
	Output string
}

// Queue buffers jobs on a bounded channel and hands them to a worker
// goroutine, so Enqueue never blocks the event-stream handler that calls it.
type Queue struct {
	jobs   chan Job
	logger *slog.Logger
}

// New starts a Queue with the given buffer depth and worker function. The
// worker is expected to forward jobs to the actual embedding/collaborator
// service; this package has no opinion on what that service is.
func New(ctx context.Context, buffer int, worker func(context.Context, Job), logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{jobs: make(chan Job, buffer), logger: logger}
	go q.run(ctx, worker)
	return q
}

func (q *Queue) run(ctx context.Context, worker func(context.Context, Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			worker(ctx, job)
		}
	}
}

// Enqueue implements eventstream.EmbeddingQueue. A full buffer drops the job
// with a warning rather than blocking the run-completion path.
func (q *Queue) Enqueue(ctx context.Context, taskID, runID, output string) error {
	select {
	case q.jobs <- Job{TaskID: taskID, RunID: runID, Output: output}:
		return nil
	default:
		q.logger.Warn("embeddings_queue_full_dropping_job", "task_id", taskID, "run_id", runID)
		return nil
	}
}

// LogWorker is a default worker that just logs the job; useful until a real
// embedding collaborator endpoint is configured.
func LogWorker(logger *slog.Logger) func(context.Context, Job) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, job Job) {
		logger.Info("embedding_job_received", "task_id", job.TaskID, "run_id", job.RunID)
	}
}
