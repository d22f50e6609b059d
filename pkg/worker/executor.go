package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// outcome is what one handler invocation produced.
type outcome struct {
	result    tasks.TaskResult
	err       error
	code      tasks.ErrorCode
	cancelled bool
	abandoned bool
}

// execute runs the execution protocol for a claimed task. The lease was
// written by the claim. Every error is contained here; nothing escapes to the
// work loop.
func (p *Pool) execute(ctx context.Context, workerID string, task *tasks.TaskData) {
	started := time.Now().UTC()
	qt := string(task.QueueType)
	log := p.log.With().
		Str("task_id", task.TaskID).
		Str("queue_type", qt).
		Str("worker_id", workerID).
		Int("retry_count", task.RetryCount).
		Logger()

	queueLatency.WithLabelValues(qt).Observe(started.Sub(task.CreatedAt).Seconds())

	res := &tasks.TaskResult{WorkerID: workerID, StartedAt: &started}

	// Pre-dispatch checkpoint.
	if cancelled, err := p.manager.CancelRequested(ctx, task.TaskID); err != nil {
		log.Error().Err(err).Msg("Cancellation check failed")
	} else if cancelled {
		p.finishCancelled(ctx, task, res, started)
		return
	}

	if limit, ok := p.cfg.RateLimits[task.QueueType]; ok {
		allowed, err := p.manager.Allow(ctx, task.QueueType, limit.Rate, limit.Burst)
		if err != nil {
			// Fail open so a store hiccup does not stall the queue.
			log.Error().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			log.Debug().Msg("Rate limit exceeded, deferring task")
			if err := p.manager.Defer(ctx, task, workerID, p.cfg.RateLimitDelay); err != nil {
				log.Error().Err(err).Msg("Failed to defer task")
			}
			tasksProcessed.WithLabelValues("deferred", qt).Inc()
			return
		}
	}

	handler, ok := p.registry.Lookup(task.QueueType)
	if !ok {
		res.ErrorCode = tasks.ErrorCodeHandlerNotRegistered
		res.ErrorMessage = fmt.Sprintf("%v: %s", ErrHandlerNotRegistered, qt)
		stampFinish(res, started)
		if err := p.manager.FailTerminal(ctx, task, res); err != nil {
			log.Error().Err(err).Msg("Failed to record terminal failure")
		}
		tasksProcessed.WithLabelValues("no_handler", qt).Inc()
		log.Error().Msg("No handler registered for queue type")
		return
	}

	log.Info().Msg("Processing task")
	out := p.runHandler(ctx, handler, task)
	taskDuration.WithLabelValues(qt).Observe(time.Since(started).Seconds())

	if out.abandoned {
		// Shutdown past the graceful timeout: leave the lease to lapse so
		// recovery hands the task to another worker.
		log.Warn().Msg("Task abandoned during shutdown")
		return
	}

	if out.err == nil {
		done := out.result
		done.WorkerID = workerID
		done.StartedAt = &started
		stampFinish(&done, started)
		if err := p.manager.Complete(ctx, task, &done); err != nil {
			log.Error().Err(err).Msg("Failed to record completion")
			return
		}
		tasksProcessed.WithLabelValues("completed", qt).Inc()
		log.Info().Float64("processing_time_seconds", done.ProcessingTimeSeconds).Msg("Task completed")
		return
	}

	// Post-handler checkpoint: a cancelled task is never retried.
	cancelled := out.cancelled
	if !cancelled {
		if flagged, err := p.manager.CancelRequested(ctx, task.TaskID); err == nil && flagged {
			cancelled = true
		}
	}
	if cancelled {
		p.finishCancelled(ctx, task, res, started)
		return
	}

	res.ErrorCode = out.code
	res.ErrorMessage = out.err.Error()
	stampFinish(res, started)
	status, err := p.manager.Fail(ctx, task, res)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record failure")
		return
	}
	switch status {
	case tasks.StatusRetry:
		taskRetries.WithLabelValues(qt).Inc()
		tasksProcessed.WithLabelValues("retry", qt).Inc()
	default:
		tasksProcessed.WithLabelValues("failed", qt).Inc()
	}
	log.Warn().Err(out.err).Str("error_code", string(out.code)).Str("status", string(status)).Msg("Task failed")
}

func (p *Pool) finishCancelled(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult, started time.Time) {
	stampFinish(res, started)
	if err := p.manager.MarkCancelled(ctx, task, res); err != nil {
		p.log.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to record cancellation")
		return
	}
	tasksProcessed.WithLabelValues("cancelled", string(task.QueueType)).Inc()
}

func stampFinish(res *tasks.TaskResult, started time.Time) {
	now := time.Now().UTC()
	res.CompletedAt = &now
	res.ProcessingTimeSeconds = now.Sub(started).Seconds()
}

// runHandler invokes h under the task deadline. The handler runs in its own
// goroutine: if it ignores its context it is abandoned at the deadline. A
// watcher polls the cancellation flag and cancels the handler context with
// cause ErrTaskCancelled.
func (p *Pool) runHandler(ctx context.Context, h Handler, task *tasks.TaskData) outcome {
	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hctx, cancelTimeout := context.WithTimeout(cancelCtx, task.Timeout())
	defer cancelTimeout()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("task_id", task.TaskID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				done <- outcome{err: fmt.Errorf("handler panic: %v", r), code: tasks.ErrorCodeExecution}
			}
		}()
		result, err := h.Handle(hctx, *task.Clone())
		done <- outcome{result: result, err: err, code: tasks.ErrorCodeExecution}
	}()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go p.watchCancellation(hctx, watchDone, cancel, task.TaskID)

	select {
	case out := <-done:
		switch {
		case out.err == nil:
		case isCancelled(hctx):
			out.cancelled = true
		case ctx.Err() != nil:
			out.abandoned = true
		case errors.Is(out.err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded):
			out.code = tasks.ErrorCodeTimeout
		}
		return out
	case <-hctx.Done():
		switch {
		case isCancelled(hctx):
			return outcome{err: ErrTaskCancelled, code: tasks.ErrorCodeCancelled, cancelled: true}
		case ctx.Err() != nil:
			return outcome{abandoned: true}
		default:
			return outcome{
				err:  fmt.Errorf("task exceeded timeout of %s", task.Timeout()),
				code: tasks.ErrorCodeTimeout,
			}
		}
	}
}

func (p *Pool) watchCancellation(ctx context.Context, stop <-chan struct{}, cancel context.CancelCauseFunc, taskID string) {
	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := p.manager.CancelRequested(ctx, taskID)
			if err != nil {
				continue
			}
			if flagged {
				cancel(ErrTaskCancelled)
				return
			}
		}
	}
}
