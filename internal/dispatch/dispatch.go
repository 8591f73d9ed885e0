// Package dispatch turns submitted tasks into jobs and runs them on workers
// under the lock that guards the resource they touch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/clausewatch/internal/artifact"
	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/detect"
	"github.com/kiranshivaraju/clausewatch/internal/lock"
	"github.com/kiranshivaraju/clausewatch/internal/metrics"
	"github.com/kiranshivaraju/clausewatch/internal/pipeline"
	"github.com/kiranshivaraju/clausewatch/internal/queue"
	"github.com/kiranshivaraju/clausewatch/internal/status"
	"github.com/kiranshivaraju/clausewatch/internal/store"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// ErrJobNotFound is returned by Poll for unknown, expired or consumed jobs.
var ErrJobNotFound = status.ErrNotFound

// History records jobs beyond the life of their status entry.
type History interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
}

// Trigger schedules a background sweep without waiting for it.
type Trigger interface {
	Trigger()
}

// Deps are the collaborators of a Dispatcher. History and Purge are optional.
type Deps struct {
	Status    *status.Store
	Queue     queue.Queue
	Locker    *lock.Locker
	Content   content.Store
	Pipeline  *pipeline.Pipeline
	Engine    *detect.Engine
	Documents *artifact.Documents
	Issues    *artifact.Issues
	History   History
	Purge     Trigger
}

type Dispatcher struct {
	status    *status.Store
	queue     queue.Queue
	locker    *lock.Locker
	content   content.Store
	pipeline  *pipeline.Pipeline
	engine    *detect.Engine
	documents *artifact.Documents
	issues    *artifact.Issues
	history   History
	purge     Trigger
	now       func() time.Time
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		status:    deps.Status,
		queue:     deps.Queue,
		locker:    deps.Locker,
		content:   deps.Content,
		pipeline:  deps.Pipeline,
		engine:    deps.Engine,
		documents: deps.Documents,
		issues:    deps.Issues,
		history:   deps.History,
		purge:     deps.Purge,
		now:       time.Now,
	}
}

// Submit validates task, records it and enqueues it. The returned job id is
// pollable as soon as Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, task models.Task) (uuid.UUID, error) {
	if err := task.Validate(); err != nil {
		return uuid.Nil, err
	}
	jobID := uuid.New()

	if err := d.status.Put(ctx, jobID, models.InProgress(models.Submitting)); err != nil {
		return uuid.Nil, err
	}

	now := d.now().UTC()
	if d.history != nil {
		job := &models.Job{
			ID:        jobID,
			Type:      task.Type,
			Scope:     task.Scope,
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.history.CreateJob(ctx, job); err != nil {
			slog.Warn("recording job failed", "job_id", jobID, "error", err)
		}
	}

	// Scheduling is written before the message exists, so a fast worker can
	// never be overwritten by it.
	if err := d.status.Put(ctx, jobID, models.InProgress(models.Scheduling)); err != nil {
		return uuid.Nil, err
	}
	msg := queue.Message{JobID: jobID, Task: task, SubmittedAt: now}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		if delErr := d.status.Delete(context.WithoutCancel(ctx), jobID); delErr != nil {
			slog.Warn("removing unqueued job status failed", "job_id", jobID, "error", delErr)
		}
		d.recordOutcome(context.WithoutCancel(ctx), jobID, &models.Trace{Code: models.CodeUnavailable, Text: err.Error()})
		return uuid.Nil, err
	}

	slog.Info("job submitted", "job_id", jobID, "type", task.Type, "scope", task.Scope)
	return jobID, nil
}

// Poll returns the job's status. A terminal status is returned once and then
// forgotten; later polls return ErrJobNotFound.
func (d *Dispatcher) Poll(ctx context.Context, jobID uuid.UUID) (models.Status, error) {
	return d.status.Consume(ctx, jobID)
}

// Handle runs one queued job. It is the queue.Handler of the worker pool.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	done, err := d.finished(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if done {
		slog.Debug("skipping finished job", "job_id", msg.JobID)
		return nil
	}

	task := msg.Task
	reporter := status.NewReporter(d.status, msg.JobID)
	if err := reporter.Report(ctx, models.Locking); err != nil {
		if errors.Is(err, status.ErrTerminal) {
			slog.Debug("skipping finished job", "job_id", msg.JobID)
			return nil
		}
		return err
	}
	if msg.Attempt <= 1 {
		d.markRunning(ctx, msg.JobID)
	}

	start := time.Now()
	var result any
	err = d.locker.WithLock(ctx, msg.JobID, lockKey(task), func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in job", "job_id", msg.JobID, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		// A redelivered copy may have completed while this one waited.
		done, err := d.finished(ctx, msg.JobID)
		if err != nil || done {
			return errSkip(err)
		}
		result, err = d.run(ctx, reporter, task)
		return err
	})

	switch {
	case errors.Is(err, errSkipped), errors.Is(err, status.ErrTerminal):
		// Another delivery of the job owns its outcome.
		return nil
	case errors.Is(err, lock.ErrLocked) && !msg.Final:
		metrics.LockWaits.Inc()
		return queue.Retry(err, retryDelay(d.locker.PollInterval(), msg.Attempt))
	case ctx.Err() != nil:
		// Shutting down: leave the job to be redelivered.
		return ctx.Err()
	}

	// Terminal writes must land even if the job context is ending.
	writeCtx := context.WithoutCancel(ctx)
	outcome := "succeeded"
	var trace *models.Trace
	if err != nil {
		t := TraceFromError(err)
		trace = &t
		outcome = "failed"
		slog.Warn("job failed", "job_id", msg.JobID, "type", task.Type, "code", t.Code, "error", err)
		if err := reporter.Fail(writeCtx, t); err != nil {
			return ignoreTerminal(err)
		}
	} else {
		if err := reporter.Succeed(writeCtx, result); err != nil {
			return ignoreTerminal(err)
		}
		slog.Info("job finished", "job_id", msg.JobID, "type", task.Type, "duration", time.Since(start))
	}

	metrics.JobsTotal.WithLabelValues(string(task.Type), outcome).Inc()
	metrics.JobDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	d.recordOutcome(writeCtx, msg.JobID, trace)
	if d.purge != nil {
		d.purge.Trigger()
	}
	return nil
}

// maxRetryBackoff caps the contention retry delay at this many poll
// intervals.
const maxRetryBackoff = 16

// retryDelay doubles the lock poll interval with every delivery of a job
// that keeps finding its resource held.
func retryDelay(poll time.Duration, attempt int) time.Duration {
	factor := 1 << min(max(attempt-1, 0), 4)
	return poll * time.Duration(min(factor, maxRetryBackoff))
}

// ignoreTerminal drops ErrTerminal from a refused terminal write: another
// delivery recorded the outcome first.
func ignoreTerminal(err error) error {
	if errors.Is(err, status.ErrTerminal) {
		return nil
	}
	return err
}

var errSkipped = errors.New("job already finished")

func errSkip(err error) error {
	if err != nil {
		return err
	}
	return errSkipped
}

// finished reports whether the job's status is terminal or already gone.
func (d *Dispatcher) finished(ctx context.Context, jobID uuid.UUID) (bool, error) {
	st, err := d.status.Get(ctx, jobID)
	if errors.Is(err, status.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return st.Terminal(), nil
}

func (d *Dispatcher) markRunning(ctx context.Context, jobID uuid.UUID) {
	if d.history == nil {
		return
	}
	if err := d.history.UpdateJobStatus(ctx, jobID, models.JobStatusRunning); err != nil {
		slog.Warn("recording job start failed", "job_id", jobID, "error", err)
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, jobID uuid.UUID, trace *models.Trace) {
	if d.history == nil {
		return
	}
	var err error
	if trace == nil {
		err = d.history.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted)
	} else {
		err = d.history.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
			store.WithErrorCode(trace.Code), store.WithErrorMessage(trace.Text))
	}
	if err != nil {
		slog.Warn("recording job outcome failed", "job_id", jobID, "error", err)
	}
}

// lockKey names the resource a task serializes on. Recomputing or clearing
// the issue set locks the whole page; single issue edits lock the issue.
func lockKey(task models.Task) cache.Key {
	switch task.Type {
	case models.TaskPolicy:
		return cache.PolicyKey(task.Scope, task.Source, "")
	case models.TaskPolicies:
		return cache.NewKey(cache.NamespacePolicy, task.Scope)
	case models.TaskIssues, models.TaskClear:
		return cache.IssuesPrefix(task.Scope)
	default:
		return cache.IssueKey(task.Scope, task.IssueID)
	}
}

func (d *Dispatcher) run(ctx context.Context, r *status.Reporter, task models.Task) (any, error) {
	switch task.Type {
	case models.TaskPolicy:
		return d.policy(ctx, r, task)
	case models.TaskPolicies:
		return d.policies(ctx, r, task)
	case models.TaskIssues:
		return d.detectIssues(ctx, r, task)
	case models.TaskTransition, models.TaskClassify, models.TaskAnnotate:
		return d.updateIssue(ctx, r, task)
	case models.TaskResolve:
		return nil, d.resolve(ctx, r, task)
	case models.TaskClear:
		return nil, d.clear(ctx, r, task)
	}
	return nil, fmt.Errorf("%w: unknown type %q", models.ErrInvalidTask, task.Type)
}
