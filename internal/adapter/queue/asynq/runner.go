// Package asynqadp adapts hibiken/asynq as the delayed-job runner: delayed
// and ready tasks with idempotent ids, priority queues, and retry/backoff.
package asynqadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Task type names.
const (
	TaskCampaignDispatch = "campaign_dispatch"
	TaskScheduledCall    = "scheduled_call"
	TaskRetryFire        = "retry_fire"
)

// Queue names. Dispatch tasks ride the priority queue the promoter chose;
// delayed jobs (scheduled calls, retry fires) have their own queue.
const (
	QueueHigh      = "high"
	QueueNormal    = "normal"
	QueueScheduled = "scheduled"
)

// Runner implements domain.DelayedJobRunner.
type Runner struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
}

// NewRunner constructs a Runner from a redis URL.
func NewRunner(redisURL string, maxRetry int) (*Runner, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=runner.new: %w", err)
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &Runner{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		maxRetry:  maxRetry,
	}, nil
}

// Close releases the underlying connections.
func (r *Runner) Close() error {
	if err := r.client.Close(); err != nil {
		return err
	}
	return r.inspector.Close()
}

// EnqueueDispatch moves a promoted job into the worker-ready state. The task
// id carries the promotion epoch so a re-promotion of the same job is a new
// task while a duplicate of the same promotion is dropped.
func (r *Runner) EnqueueDispatch(ctx domain.Context, job domain.DispatchJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_dispatch: %w", err)
	}
	queue := QueueNormal
	if job.Priority == domain.PriorityHigh {
		queue = QueueHigh
	}
	taskID := fmt.Sprintf("dispatch:%s:%d:%d", job.JobID, job.PromoteSeq, job.GateRepairs)
	t := asynq.NewTask(TaskCampaignDispatch, b)
	_, err = r.client.EnqueueContext(ctx, t,
		asynq.Queue(queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(r.maxRetry),
		asynq.Timeout(time.Minute),
	)
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_dispatch: %w", err)
	}
	return nil
}

// EnqueueScheduledCall books a delayed fire at the scheduled instant.
func (r *Runner) EnqueueScheduledCall(ctx domain.Context, job domain.ScheduledCallJob, at time.Time) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_scheduled: %w", err)
	}
	t := asynq.NewTask(TaskScheduledCall, b)
	_, err = r.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueScheduled),
		asynq.TaskID(job.JobID),
		asynq.ProcessAt(at),
		asynq.MaxRetry(r.maxRetry),
		asynq.Timeout(time.Minute),
	)
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_scheduled: %w", err)
	}
	return nil
}

// EnqueueRetryFire books a delayed retry fire.
func (r *Runner) EnqueueRetryFire(ctx domain.Context, job domain.RetryFireJob, at time.Time) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_retry: %w", err)
	}
	t := asynq.NewTask(TaskRetryFire, b)
	_, err = r.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueScheduled),
		asynq.TaskID(job.JobID),
		asynq.ProcessAt(at),
		asynq.MaxRetry(r.maxRetry),
		asynq.Timeout(time.Minute),
	)
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=runner.enqueue_retry: %w", err)
	}
	return nil
}

// Cancel removes a pending or delayed job; missing jobs are no-ops.
func (r *Runner) Cancel(_ domain.Context, jobID string) error {
	for _, queue := range []string{QueueScheduled, QueueHigh, QueueNormal} {
		err := r.inspector.DeleteTask(queue, jobID)
		if err == nil {
			return nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		return fmt.Errorf("op=runner.cancel: %w", err)
	}
	return nil
}

// Promote moves a delayed job to ready immediately.
func (r *Runner) Promote(_ domain.Context, jobID string) error {
	err := r.inspector.RunTask(QueueScheduled, jobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("op=runner.promote: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict)
}
