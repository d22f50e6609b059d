package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/priority"
	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Complete records a successful attempt and releases the lease.
// res must carry WorkerID; status and retry count are filled in here.
func (m *Manager) Complete(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult) error {
	res.TaskID = task.TaskID
	res.Status = tasks.StatusCompleted
	res.RetryCount = task.RetryCount
	res.ErrorCode, res.ErrorMessage = "", ""

	secs := res.ProcessingTimeSeconds
	if err := m.store.Finish(ctx, store.Finish{
		TaskID:            task.TaskID,
		QueueType:         string(task.QueueType),
		Result:            res.Fields(),
		ResultTTL:         m.cfg.ResultTTL,
		MetaStatus:        store.MetaCompleted,
		MetadataTTL:       m.cfg.MetadataTTL,
		Counters:          []string{store.CounterCompleted},
		ProcessingSeconds: &secs,
	}); err != nil {
		return err
	}
	return m.release(ctx, task, res.WorkerID)
}

// Fail records a failed attempt and decides between retry and dead letter.
//
// With retries left the task is cloned, its retry_count incremented and it is
// re-enqueued with scheduled_at = now + RetryPolicy.Delay(retry_count); the
// stored result becomes RETRY. Otherwise the task is appended to the dead
// letter queue and the result becomes a terminal FAILED.
//
// Returns the status that was recorded.
func (m *Manager) Fail(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult) (tasks.Status, error) {
	if !res.ErrorCode.Retryable() || task.RetryCount >= task.MaxRetries {
		if err := m.deadLetter(ctx, task, res); err != nil {
			return "", err
		}
		return tasks.StatusFailed, nil
	}

	now := m.now()
	next := task.Clone()
	next.RetryCount++
	delay := m.cfg.Retry.Delay(next.RetryCount)
	readyAt := now.Add(delay)
	next.ScheduledAt = &readyAt

	if err := m.insert(ctx, next, now, false); err != nil {
		return "", err
	}

	res.TaskID = task.TaskID
	res.Status = tasks.StatusRetry
	res.RetryCount = next.RetryCount
	secs := res.ProcessingTimeSeconds
	if err := m.store.Finish(ctx, store.Finish{
		TaskID:            task.TaskID,
		QueueType:         string(task.QueueType),
		Result:            res.Fields(),
		ResultTTL:         m.cfg.ResultTTL,
		Counters:          []string{store.CounterRetried},
		ProcessingSeconds: &secs,
	}); err != nil {
		return "", err
	}

	logger.Log.Warn().
		Str("task_id", task.TaskID).
		Str("queue_type", string(task.QueueType)).
		Str("error_code", string(res.ErrorCode)).
		Int("retry_count", next.RetryCount).
		Dur("backoff", delay).
		Msg("Task scheduled for retry")

	if err := m.release(ctx, task, res.WorkerID); err != nil {
		return "", err
	}
	return tasks.StatusRetry, nil
}

// FailTerminal records a failure that must not be retried, such as a queue
// type without a registered handler. The task goes to the dead letter queue.
func (m *Manager) FailTerminal(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult) error {
	return m.deadLetter(ctx, task, res)
}

func (m *Manager) deadLetter(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult) error {
	now := m.now()
	res.TaskID = task.TaskID
	res.Status = tasks.StatusFailed
	res.RetryCount = task.RetryCount
	if res.CompletedAt == nil {
		res.CompletedAt = &now
	}

	entry := DeadLetter{
		Task:      task,
		Error:     res.ErrorMessage,
		ErrorCode: res.ErrorCode,
		FailedAt:  now,
	}
	data, err := entry.encode()
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	secs := res.ProcessingTimeSeconds
	if err := m.store.Finish(ctx, store.Finish{
		TaskID:            task.TaskID,
		QueueType:         string(task.QueueType),
		Result:            res.Fields(),
		ResultTTL:         m.cfg.ResultTTL,
		MetaStatus:        store.MetaDeadLetter,
		MetadataTTL:       m.cfg.MetadataTTL,
		Counters:          []string{store.CounterFailed, store.CounterDeadLettered},
		ProcessingSeconds: &secs,
		DeadLetter:        data,
	}); err != nil {
		return err
	}

	logger.Log.Error().
		Str("task_id", task.TaskID).
		Str("queue_type", string(task.QueueType)).
		Str("error_code", string(res.ErrorCode)).
		Int("retry_count", task.RetryCount).
		Msg("Task moved to dead letter queue")

	return m.release(ctx, task, res.WorkerID)
}

// MarkCancelled records a CANCELLED result for a claimed task whose
// cancellation flag was observed by the worker.
func (m *Manager) MarkCancelled(ctx context.Context, task *tasks.TaskData, res *tasks.TaskResult) error {
	now := m.now()
	res.TaskID = task.TaskID
	res.Status = tasks.StatusCancelled
	res.ErrorCode = tasks.ErrorCodeCancelled
	res.RetryCount = task.RetryCount
	if res.ErrorMessage == "" {
		res.ErrorMessage = "task cancelled"
	}
	if res.CompletedAt == nil {
		res.CompletedAt = &now
	}
	if err := m.store.Finish(ctx, store.Finish{
		TaskID:      task.TaskID,
		QueueType:   string(task.QueueType),
		Result:      res.Fields(),
		ResultTTL:   m.cfg.ResultTTL,
		MetaStatus:  store.MetaCancelled,
		MetadataTTL: m.cfg.MetadataTTL,
		Counters:    []string{store.CounterCancelled},
	}); err != nil {
		return err
	}
	logger.Log.Info().Str("task_id", task.TaskID).Msg("Task cancelled")
	return m.release(ctx, task, res.WorkerID)
}

// Defer puts a claimed task back for a later attempt without consuming a
// retry. Used when the queue type's rate limit rejects the task.
func (m *Manager) Defer(ctx context.Context, task *tasks.TaskData, workerID string, delay time.Duration) error {
	now := m.now()
	next := task.Clone()
	readyAt := now.Add(delay)
	next.ScheduledAt = &readyAt
	if err := m.insert(ctx, next, now, false); err != nil {
		return err
	}
	return m.release(ctx, task, workerID)
}

func (m *Manager) release(ctx context.Context, task *tasks.TaskData, workerID string) error {
	owned, err := m.store.Release(ctx, string(task.QueueType), task.TaskID, workerID)
	if err != nil {
		return err
	}
	if !owned {
		logger.Log.Warn().
			Str("task_id", task.TaskID).
			Str("worker_id", workerID).
			Msg("Lease no longer owned at release")
	}
	return nil
}

// PromoteDue moves delayed tasks whose scheduled_at has passed into their live
// sets, scored at promotion time. Returns how many were moved.
func (m *Manager) PromoteDue(ctx context.Context) (int, error) {
	now := m.now()
	_, fallback := priority.Band(tasks.PriorityBackground)

	total := 0
	for _, qt := range m.cfg.QueueOrder {
		members, err := m.store.DueDelayed(ctx, string(qt), now, DefaultPromoteBatch)
		if err != nil {
			return total, err
		}
		if len(members) == 0 {
			continue
		}
		ps := make([]store.Promotion, 0, len(members))
		for _, member := range members {
			p := store.Promotion{Member: member, Score: fallback}
			// Undecodable members still move so Dequeue can quarantine them.
			if task, err := tasks.Decode(member); err == nil {
				p.TaskID = task.TaskID
				p.Score = priority.Score(task, now)
			}
			ps = append(ps, p)
		}
		n, err := m.store.Promote(ctx, string(qt), ps)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		logger.Log.Debug().Int("count", total).Msg("Promoted due tasks")
	}
	return total, nil
}

// RecoverAbandoned re-inserts tasks whose lease lapsed without a terminal
// outcome, for example after a worker crash. Delivery is at-least-once: the
// recovered task may run again on another worker.
func (m *Manager) RecoverAbandoned(ctx context.Context) (int, error) {
	now := m.now()
	total := 0
	for _, qt := range m.cfg.QueueOrder {
		ids, err := m.store.ExpiredLeases(ctx, string(qt), now, DefaultRecoverBatch)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			ok, err := m.store.Recover(ctx, string(qt), id)
			if err != nil {
				return total, err
			}
			if ok {
				total++
				logger.Log.Warn().
					Str("task_id", id).
					Str("queue_type", string(qt)).
					Msg("Recovered abandoned task")
			}
		}
	}
	return total, nil
}
