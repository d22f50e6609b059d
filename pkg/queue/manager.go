// Package queue provides the Redis-backed queue manager of the distributed task queue.
// It supports reliable task processing with features including:
//   - One priority-ordered sorted set per queue type, scored by the priority package
//   - Atomic claim through a conditional remove that also writes a processing lease
//   - Exponential backoff retries as scheduled re-enqueues that survive restarts
//   - Dead Letter Queue (DLQ) for tasks that exhausted their retries
//   - Cooperative cancellation and at-least-once recovery of abandoned leases
//
// The Manager type is the main entry point for producers and workers.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/priority"
	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// Manager owns the per-queue-type sorted sets and the task lifecycle.
// Construct one per process and pass it explicitly; all cached state lives on
// the instance.
//
// Queue Architecture:
//   - queue:{type}: live tasks ready for dispatch, lowest score first
//   - delayed_queue:{type}: tasks waiting for scheduled_at (backoff retries)
//   - processing_queue:{type}: index of leases held by workers
//   - dead_letter_queue: tasks that exhausted max_retries
type Manager struct {
	store Store
	cfg   Config

	statsMu sync.RWMutex
	stats   map[tasks.QueueType]*Stats

	cron *cron.Cron
}

// NewManager creates a manager over the given store.
func NewManager(s Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store: s,
		cfg:   cfg,
		stats: make(map[tasks.QueueType]*Stats),
		cron:  cron.New(cron.WithSeconds()),
	}
}

// QueueOrder returns the configured dequeue scan order.
func (m *Manager) QueueOrder() []tasks.QueueType {
	return slices.Clone(m.cfg.QueueOrder)
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock().UTC()
}

// Enqueue adds a task to the sorted set of its queue type.
// The task is normalized (id, priority, timestamps and limits get defaults),
// validated, serialized to JSON and inserted with its priority score in a
// single atomic store operation. A task whose scheduled_at lies in the future
// is parked in the delayed set until it is due.
//
// On store failure the returned error wraps ErrStoreUnavailable and nothing
// was written.
func (m *Manager) Enqueue(ctx context.Context, task *tasks.TaskData) error {
	now := m.now()
	task.Normalize(now)
	if err := task.Validate(); err != nil {
		return err
	}
	if len(m.cfg.QueueOrder) > 0 && !slices.Contains(m.cfg.QueueOrder, task.QueueType) {
		return fmt.Errorf("%w: %s", ErrUnknownQueueType, task.QueueType)
	}
	if err := m.insert(ctx, task, now, true); err != nil {
		return err
	}
	logger.Log.Debug().
		Str("task_id", task.TaskID).
		Str("queue_type", string(task.QueueType)).
		Str("priority", task.Priority.String()).
		Msg("Task enqueued")
	return nil
}

// insert writes the task. fromProducer distinguishes a new submission, which
// resets any stale result and counts toward the total, from an internal
// re-enqueue.
func (m *Manager) insert(ctx context.Context, task *tasks.TaskData, now time.Time, fromProducer bool) error {
	member, err := tasks.Encode(task)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrInvalidTask, err)
	}
	args := store.EnqueueArgs{
		TaskID:          task.TaskID,
		QueueType:       string(task.QueueType),
		Member:          member,
		Score:           priority.Score(task, now),
		MetadataTTL:     m.cfg.MetadataTTL,
		EnqueuedAt:      now,
		ClearResult:     fromProducer,
		CountSubmission: fromProducer,
	}
	if !task.Eligible(now) {
		args.ReadyAt = task.ReadyAt()
	}
	return m.store.Enqueue(ctx, args)
}

// BulkError describes one failed task of a bulk enqueue.
type BulkError struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id"`
	Err    error  `json:"-"`
	Reason string `json:"error"`
}

// BulkResult aggregates the per-task outcomes of EnqueueBulk.
type BulkResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Errors     []BulkError `json:"errors,omitempty"`
}

// EnqueueBulk enqueues tasks with at most BulkConcurrency store calls in
// flight. A failing task is recorded in the result and never aborts the batch.
func (m *Manager) EnqueueBulk(ctx context.Context, batch []*tasks.TaskData) BulkResult {
	res := BulkResult{Total: len(batch)}
	sem := semaphore.NewWeighted(int64(m.cfg.BulkConcurrency))
	errs := make([]error, len(batch))

	var g errgroup.Group
	for i, task := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			if task == nil {
				errs[i] = fmt.Errorf("%w: nil task", ErrInvalidTask)
				return nil
			}
			errs[i] = m.Enqueue(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			res.Successful++
			continue
		}
		res.Failed++
		be := BulkError{Index: i, Err: err, Reason: err.Error()}
		if batch[i] != nil {
			be.TaskID = batch[i].TaskID
		}
		res.Errors = append(res.Errors, be)
	}

	logger.Log.Info().
		Int("total", res.Total).
		Int("successful", res.Successful).
		Int("failed", res.Failed).
		Msg("Bulk enqueue finished")
	return res
}

// Dequeue claims the next eligible task for workerID.
//
// Queue types are scanned in the configured order. Inside a queue type the
// lowest-score candidates are read and each is claimed with a conditional
// remove; losing the race to another worker moves on to the next candidate.
// Candidates whose scheduled_at is still in the future stay in place with
// their original score.
//
// Returns (nil, false, nil) when no eligible task exists. Store failures are
// returned wrapped in ErrStoreUnavailable.
func (m *Manager) Dequeue(ctx context.Context, workerID string) (*tasks.TaskData, bool, error) {
	for _, qt := range m.cfg.QueueOrder {
		task, ok, err := m.dequeueFrom(ctx, qt, workerID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return task, true, nil
		}
	}
	return nil, false, nil
}

// maxScanPages bounds how far past gated candidates one Dequeue looks.
const maxScanPages = 4

func (m *Manager) dequeueFrom(ctx context.Context, qt tasks.QueueType, workerID string) (*tasks.TaskData, bool, error) {
	limit := int64(m.cfg.ScanLimit)
	var offset int64

	for page := 0; page < maxScanPages; page++ {
		candidates, err := m.store.Candidates(ctx, string(qt), offset, limit)
		if err != nil {
			return nil, false, err
		}
		if len(candidates) == 0 {
			return nil, false, nil
		}

		now := m.now()
		for _, c := range candidates {
			task, err := tasks.Decode(c.Member)
			if err != nil {
				if !m.quarantine(ctx, qt, c.Member, err) {
					offset++
				}
				continue
			}
			if !task.Eligible(now) {
				// Left in place; later candidates may still be eligible.
				offset++
				continue
			}
			claimed, err := m.store.Claim(ctx, store.ClaimArgs{
				TaskID:      task.TaskID,
				QueueType:   string(qt),
				Member:      c.Member,
				WorkerID:    workerID,
				LeaseTTL:    task.Timeout(),
				Now:         now,
				MetadataTTL: m.cfg.MetadataTTL,
			})
			if err != nil {
				return nil, false, err
			}
			if claimed {
				logger.Log.Debug().
					Str("task_id", task.TaskID).
					Str("queue_type", string(qt)).
					Str("worker_id", workerID).
					Msg("Task claimed")
				return task, true, nil
			}
			// Another worker won the race; the set shrank under us.
		}

		if int64(len(candidates)) < limit {
			return nil, false, nil
		}
		// Only gated candidates are still ahead of the next page.
	}
	return nil, false, nil
}

// quarantine moves an undecodable member out of the live set so it cannot
// block the head of the queue.
func (m *Manager) quarantine(ctx context.Context, qt tasks.QueueType, member string, cause error) bool {
	removed, err := m.store.Remove(ctx, string(qt), member)
	if err != nil {
		return false
	}
	if !removed {
		return true
	}
	entry := DeadLetter{
		Raw:       member,
		Error:     "undecodable task: " + cause.Error(),
		ErrorCode: tasks.ErrorCodeExecution,
		FailedAt:  m.now(),
	}
	data, err := entry.encode()
	if err != nil {
		return true
	}
	_ = m.store.Finish(ctx, store.Finish{
		QueueType:  string(qt),
		Counters:   []string{store.CounterDeadLettered},
		DeadLetter: data,
	})
	logger.Log.Error().Err(cause).Str("queue_type", string(qt)).Msg("Undecodable task moved to dead letter queue")
	return true
}

// GetStatus returns the current status of a task.
//
// Terminal results (COMPLETED, FAILED, CANCELLED) are returned unchanged on
// every call. Otherwise a live lease reports PROCESSING with its owner, a
// RETRY result is returned while the task waits for its next attempt, and a
// queued task reports PENDING. A task never seen returns (nil, false, nil).
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*tasks.TaskResult, bool, error) {
	fields, err := m.store.Result(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	var result *tasks.TaskResult
	if fields != nil {
		if result, err = tasks.ResultFromFields(taskID, fields); err != nil {
			return nil, false, err
		}
		if result.Status.Terminal() {
			return result, true, nil
		}
	}

	owner, leased, err := m.store.LeaseOwner(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if leased {
		processing := &tasks.TaskResult{
			TaskID:   taskID,
			Status:   tasks.StatusProcessing,
			WorkerID: owner,
		}
		if result != nil {
			processing.RetryCount = result.RetryCount
		}
		return processing, true, nil
	}
	if result != nil {
		return result, true, nil
	}

	meta, err := m.store.Metadata(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	switch meta["status"] {
	case store.MetaPending, store.MetaDelayed:
		return &tasks.TaskResult{TaskID: taskID, Status: tasks.StatusPending}, true, nil
	}
	return nil, false, nil
}

// Cancel cancels a task.
//
// A task still queued (live or delayed) is removed and gets a CANCELLED
// result. A task already claimed gets a cancellation flag the worker polls at
// its checkpoints; a handler already running is not interrupted beyond its
// context being cancelled. Returns false for tasks never seen or already finished.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	now := m.now()
	result := &tasks.TaskResult{
		TaskID:       taskID,
		Status:       tasks.StatusCancelled,
		ErrorCode:    tasks.ErrorCodeCancelled,
		ErrorMessage: "cancelled before dispatch",
		CompletedAt:  &now,
	}
	outcome, err := m.store.Cancel(ctx, taskID, result.Fields(), m.cfg.ResultTTL, m.cfg.CancelTTL)
	if err != nil {
		return false, err
	}
	switch outcome {
	case store.CancelRemoved:
		logger.Log.Info().Str("task_id", taskID).Msg("Queued task cancelled")
		return true, nil
	case store.CancelFlagged:
		logger.Log.Info().Str("task_id", taskID).Msg("Cancellation requested for running task")
		return true, nil
	}
	return false, nil
}

// CancelRequested reports whether a running task has a pending cancellation.
func (m *Manager) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	return m.store.CancelRequested(ctx, taskID)
}

// Allow applies the queue type's token bucket. Workers defer tasks it rejects.
func (m *Manager) Allow(ctx context.Context, qt tasks.QueueType, rate float64, burst int) (bool, error) {
	return m.store.Allow(ctx, string(qt), rate, burst, m.now())
}
