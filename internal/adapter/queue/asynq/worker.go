package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/dialer"
	"github.com/fairyhunter13/campaign-dialer/internal/service/retrymgr"
	"github.com/fairyhunter13/campaign-dialer/internal/service/scheduler"
)

// Worker processes dispatch, scheduled-call, and retry-fire tasks. Dispatch
// concurrency is 1 so the local state machine never races the capacity
// check.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// WorkerConfig carries the runner retry tuning from the environment.
type WorkerConfig struct {
	MaxRetry     int
	BackoffDelay time.Duration
}

// NewWorker constructs the asynq server and routes task types onto the
// engine, the scheduler, and the retry manager.
func NewWorker(redisURL string, engine *dialer.Engine, sched *scheduler.Scheduler, rm *retrymgr.Manager, cfg WorkerConfig) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = 5 * time.Second
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			QueueHigh:      3,
			QueueNormal:    1,
			QueueScheduled: 2,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			d := cfg.BackoffDelay
			for i := 0; i < n; i++ {
				d *= 2
			}
			if d > 5*time.Minute {
				d = 5 * time.Minute
			}
			return d
		},
	})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskCampaignDispatch, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "CampaignDispatch")
		defer span.End()
		var job domain.DispatchJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return asynq.SkipRetry
		}
		err := engine.ProcessDispatch(ctx, job)
		if err != nil && errors.Is(err, domain.ErrInvalidArgument) {
			slog.Error("dispatch dropped", slog.String("job_id", job.JobID), slog.Any("error", err))
			return asynq.SkipRetry
		}
		return err
	})

	mux.HandleFunc(TaskScheduledCall, func(ctx context.Context, t *asynq.Task) error {
		var job domain.ScheduledCallJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return asynq.SkipRetry
		}
		return sched.Fire(ctx, job)
	})

	mux.HandleFunc(TaskRetryFire, func(ctx context.Context, t *asynq.Task) error {
		var job domain.RetryFireJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return asynq.SkipRetry
		}
		return rm.FireRetry(ctx, job)
	})

	return &Worker{server: srv, mux: mux}, nil
}

// Start begins processing tasks until shutdown.
func (w *Worker) Start(_ context.Context) error { return w.server.Start(w.mux) }

// Stop gracefully shuts down the worker server.
func (w *Worker) Stop() { w.server.Shutdown() }
