// Package temporalworker starts a Temporal worker polling the production
// task queue, for deployments that prefer Temporal's durable execution
// over the in-process goroutine scheduler in production.Manager.
package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/platform/envutil"
	"github.com/narraforge/core/internal/production"
	"github.com/narraforge/core/internal/temporalx"
	"github.com/narraforge/core/internal/temporalx/jobrun"
)

// Runner owns the lifecycle of one Temporal worker process.
type Runner struct {
	log *logger.Logger

	tc      temporalsdkclient.Client
	db      *gorm.DB
	manager *production.Manager
}

// NewRunner validates dependencies and returns a Runner ready to Start.
func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, db *gorm.DB, manager *production.Manager) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporalworker: temporal client not configured")
	}
	if db == nil || manager == nil {
		return nil, fmt.Errorf("temporalworker: missing database or production manager")
	}
	return &Runner{log: log, tc: tc, db: db, manager: manager}, nil
}

// Start begins polling the production task queue, retrying worker startup
// with capped backoff until TEMPORAL_WORKER_START_MAX_WAIT_SECONDS
// elapses. A missing namespace is registered on the fly when
// TEMPORAL_AUTO_REGISTER_NAMESPACE is enabled. The worker stops when ctx
// is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporalworker: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := temporalx.LoadConfig()
	autoRegister := envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false)
	if r.log != nil {
		r.log.Info("starting temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}
	if autoRegister {
		if err := temporalx.EnsureNamespace(ctx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
			r.log.Warn("temporal namespace ensure failed; worker start will retry", "namespace", cfg.Namespace, "error", err)
		}
	}

	deadline := time.Now().Add(time.Duration(envutil.Int("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60)) * time.Second)
	sleep := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MS", 250)) * time.Millisecond
	sleepMax := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000)) * time.Millisecond

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			go func() {
				<-ctx.Done()
				w.Stop()
			}()
			if r.log != nil {
				r.log.Info("temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && autoRegister {
			_ = temporalx.EnsureNamespace(ctx, r.tc, cfg.Namespace, r.log)
		}

		if time.Now().After(deadline) {
			if errors.As(startErr, &nfe) {
				return fmt.Errorf("temporalworker: namespace %s not found: %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		if r.log != nil {
			r.log.Warn("temporal worker failed to start; retrying", "namespace", cfg.Namespace, "attempt", attempt, "error", startErr)
		}
		time.Sleep(sleep)
		sleep *= 2
		if sleepMax > 0 && sleep > sleepMax {
			sleep = sleepMax
		}
	}
}

// newWorker registers the production workflow and its single activity on a
// fresh worker for the configured task queue.
func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.Int("TEMPORAL_WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &jobrun.Activities{DB: r.db, Manager: r.manager}
	w.RegisterWorkflowWithOptions(jobrun.Workflow, workflow.RegisterOptions{Name: jobrun.WorkflowName})
	w.RegisterActivityWithOptions(acts.RunProduction, activity.RegisterOptions{Name: jobrun.ActivityRun})
	return w
}
