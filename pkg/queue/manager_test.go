package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

const (
	lookup = tasks.QueueTypeProductLookup
	bulk   = tasks.QueueTypeBulkImport
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *store.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := store.NewClient(store.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func setupTestManager(t *testing.T) (*miniredis.Miniredis, *Manager, *testClock) {
	t.Helper()
	s, client := setupTestRedis(t)
	clock := newTestClock()
	m := NewManager(client, Config{
		QueueOrder: []tasks.QueueType{lookup, bulk},
		Clock:      clock.Now,
	})
	return s, m, clock
}

func newTask(id string, qt tasks.QueueType, p tasks.Priority) *tasks.TaskData {
	return &tasks.TaskData{TaskID: id, QueueType: qt, Priority: p}
}

func mustDequeue(t *testing.T, m *Manager, workerID string) *tasks.TaskData {
	t.Helper()
	task, ok, err := m.Dequeue(context.Background(), workerID)
	require.NoError(t, err)
	require.True(t, ok, "expected a task")
	return task
}

func TestEnqueue(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	payload, err := tasks.MarshalPayload(map[string]string{"barcode": "4006381333931"})
	require.NoError(t, err)
	task := tasks.New(lookup, payload)
	require.NoError(t, m.Enqueue(ctx, task))

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, tasks.PriorityNormal, task.Priority)
	assert.Equal(t, tasks.DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, tasks.DefaultTimeoutSeconds, task.TimeoutSeconds)

	members, err := s.ZMembers(store.QueueKey(string(lookup)))
	require.NoError(t, err)
	assert.Len(t, members, 1)

	status, ok, err := m.GetStatus(ctx, task.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusPending, status.Status)
}

func TestEnqueueValidation(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	err := m.Enqueue(ctx, &tasks.TaskData{})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = m.Enqueue(ctx, &tasks.TaskData{QueueType: lookup, Priority: 9})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = m.Enqueue(ctx, &tasks.TaskData{QueueType: lookup, RetryCount: 5, MaxRetries: 3})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = m.Enqueue(ctx, &tasks.TaskData{QueueType: "email"})
	assert.ErrorIs(t, err, ErrUnknownQueueType)
}

func TestEnqueueSameIDKeepsOneEntry(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("dup", lookup, tasks.PriorityNormal)))
	require.NoError(t, m.Enqueue(ctx, newTask("dup", lookup, tasks.PriorityCritical)))

	members, err := s.ZMembers(store.QueueKey(string(lookup)))
	require.NoError(t, err)
	assert.Len(t, members, 1)

	got := mustDequeue(t, m, "w1")
	assert.Equal(t, tasks.PriorityCritical, got.Priority)
}

func TestEnqueueStoreUnavailable(t *testing.T) {
	s, m, _ := setupTestManager(t)
	s.Close()

	err := m.Enqueue(context.Background(), newTask("t1", lookup, tasks.PriorityNormal))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, _, err = m.Dequeue(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestPriorityDequeue(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	// A NORMAL task enqueued first still loses to a later CRITICAL one.
	require.NoError(t, m.Enqueue(ctx, newTask("a", lookup, tasks.PriorityNormal)))
	require.NoError(t, m.Enqueue(ctx, newTask("b", lookup, tasks.PriorityCritical)))

	assert.Equal(t, "b", mustDequeue(t, m, "w1").TaskID)
	assert.Equal(t, "a", mustDequeue(t, m, "w1").TaskID)

	_, ok, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPriorityDequeueFullOrder(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	order := []tasks.Priority{
		tasks.PriorityBackground, tasks.PriorityLow, tasks.PriorityNormal,
		tasks.PriorityHigh, tasks.PriorityCritical,
	}
	for _, p := range order {
		require.NoError(t, m.Enqueue(ctx, newTask(p.String(), lookup, p)))
	}

	// An old LOW task gets an age bonus but never overtakes NORMAL.
	old := newTask("old-low", lookup, tasks.PriorityLow)
	old.CreatedAt = clock.Now().Add(-48 * time.Hour)
	require.NoError(t, m.Enqueue(ctx, old))

	want := []string{"CRITICAL", "HIGH", "NORMAL", "old-low", "LOW", "BACKGROUND"}
	for _, id := range want {
		assert.Equal(t, id, mustDequeue(t, m, "w1").TaskID)
	}
}

func TestSamePriorityServedOldestFirst(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	// Both land in the same score band; the ID sorts the other way.
	require.NoError(t, m.Enqueue(ctx, newTask("zzz-old", lookup, tasks.PriorityNormal)))
	clock.Advance(30 * time.Minute)
	require.NoError(t, m.Enqueue(ctx, newTask("aaa-new", lookup, tasks.PriorityNormal)))

	assert.Equal(t, "zzz-old", mustDequeue(t, m, "w1").TaskID)
	assert.Equal(t, "aaa-new", mustDequeue(t, m, "w1").TaskID)
}

func TestDequeueFollowsQueueOrder(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	// Queue order is authoritative across types, independent of priority.
	require.NoError(t, m.Enqueue(ctx, newTask("bulk-critical", bulk, tasks.PriorityCritical)))
	require.NoError(t, m.Enqueue(ctx, newTask("lookup-low", lookup, tasks.PriorityLow)))

	assert.Equal(t, "lookup-low", mustDequeue(t, m, "w1").TaskID)
	assert.Equal(t, "bulk-critical", mustDequeue(t, m, "w1").TaskID)
}

func TestDequeueMutualExclusion(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	const numTasks, numWorkers = 60, 8
	for i := range numTasks {
		task := newTask(fmt.Sprintf("task-%02d", i), lookup, tasks.Priority(1+i%5))
		require.NoError(t, m.Enqueue(ctx, task))
	}

	var (
		mu      sync.Mutex
		seen    = make(map[string]string)
		claimed atomic.Int32
		wg      sync.WaitGroup
	)
	for w := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", w)
			misses := 0
			for claimed.Load() < numTasks && misses < 50 {
				task, ok, err := m.Dequeue(ctx, workerID)
				if err != nil || !ok {
					misses++
					continue
				}
				claimed.Add(1)
				mu.Lock()
				if prev, dup := seen[task.TaskID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.TaskID, prev, workerID)
				}
				seen[task.TaskID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, numTasks)
	assert.EqualValues(t, numTasks, claimed.Load())
}

func TestScheduledTaskIsGated(t *testing.T) {
	s, m, clock := setupTestManager(t)
	ctx := context.Background()

	later := clock.Now().Add(time.Hour)
	task := newTask("later", lookup, tasks.PriorityCritical)
	task.ScheduledAt = &later
	require.NoError(t, m.Enqueue(ctx, task))
	require.NoError(t, m.Enqueue(ctx, newTask("now", lookup, tasks.PriorityBackground)))

	assert.True(t, s.Exists(store.DelayedKey(string(lookup))))
	assert.Equal(t, "now", mustDequeue(t, m, "w1").TaskID)

	_, ok, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := m.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Hour)
	n, err = m.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "later", mustDequeue(t, m, "w1").TaskID)
}

func TestDequeueSkipsFutureLiveCandidate(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := newTestClock()
	m := NewManager(client, Config{QueueOrder: []tasks.QueueType{lookup}, Clock: clock.Now})
	ctx := context.Background()

	// A future task that reached the live set directly stays in place.
	later := clock.Now().Add(time.Minute)
	future := newTask("future", lookup, tasks.PriorityCritical)
	future.Normalize(clock.Now())
	future.ScheduledAt = &later
	member, err := tasks.Encode(future)
	require.NoError(t, err)
	require.NoError(t, client.Enqueue(ctx, store.EnqueueArgs{
		TaskID: future.TaskID, QueueType: string(lookup), Member: member,
		Score: 1, MetadataTTL: time.Hour, EnqueuedAt: clock.Now(),
	}))
	require.NoError(t, m.Enqueue(ctx, newTask("ready", lookup, tasks.PriorityBackground)))

	assert.Equal(t, "ready", mustDequeue(t, m, "w1").TaskID)

	candidates, err := client.Candidates(ctx, string(lookup), 0, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, float64(1), candidates[0].Score)

	clock.Advance(time.Minute)
	assert.Equal(t, "future", mustDequeue(t, m, "w1").TaskID)
}

func TestUndecodableMemberIsQuarantined(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := s.ZAdd(store.QueueKey(string(lookup)), 0, "{not json")
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, newTask("good", lookup, tasks.PriorityNormal)))

	assert.Equal(t, "good", mustDequeue(t, m, "w1").TaskID)

	letters, err := m.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "{not json", letters[0].Raw)
	assert.Equal(t, tasks.ErrorCodeExecution, letters[0].ErrorCode)
}

// failingStore rejects enqueues of one task id.
type failingStore struct {
	Store
	failID string
}

func (f failingStore) Enqueue(ctx context.Context, a store.EnqueueArgs) error {
	if a.TaskID == f.failID {
		return fmt.Errorf("enqueue: %w: injected", store.ErrUnavailable)
	}
	return f.Store.Enqueue(ctx, a)
}

func TestEnqueueBulk(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewManager(failingStore{Store: client, failID: "task-7"}, Config{
		QueueOrder: []tasks.QueueType{lookup},
	})
	ctx := context.Background()

	batch := make([]*tasks.TaskData, 10)
	for i := range batch {
		batch[i] = newTask(fmt.Sprintf("task-%d", i), lookup, tasks.PriorityNormal)
	}

	res := m.EnqueueBulk(ctx, batch)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 9, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 7, res.Errors[0].Index)
	assert.Equal(t, "task-7", res.Errors[0].TaskID)
	assert.ErrorIs(t, res.Errors[0].Err, ErrStoreUnavailable)

	got := make(map[string]bool)
	for {
		task, ok, err := m.Dequeue(ctx, "w1")
		require.NoError(t, err)
		if !ok {
			break
		}
		got[task.TaskID] = true
	}
	assert.Len(t, got, 9)
	assert.False(t, got["task-7"])
}

func TestEnqueueBulkInvalidEntries(t *testing.T) {
	_, m, _ := setupTestManager(t)

	res := m.EnqueueBulk(context.Background(), []*tasks.TaskData{
		newTask("ok", lookup, tasks.PriorityNormal),
		nil,
		{QueueType: ""},
	})
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, res.Failed)
	for _, e := range res.Errors {
		assert.ErrorIs(t, e.Err, ErrInvalidTask)
	}
}

func TestGetStatusUnknown(t *testing.T) {
	_, m, _ := setupTestManager(t)

	res, ok, err := m.GetStatus(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, res)
}

func TestGetStatusProcessing(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", lookup, tasks.PriorityNormal)))
	mustDequeue(t, m, "worker-a")

	res, ok, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusProcessing, res.Status)
	assert.Equal(t, "worker-a", res.WorkerID)
}

func TestCompleteIsTerminalAndIdempotent(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", lookup, tasks.PriorityNormal)))
	task := mustDequeue(t, m, "w1")

	data, err := tasks.MarshalPayload(map[string]bool{"found": true})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, task, &tasks.TaskResult{
		WorkerID:              "w1",
		ResultData:            data,
		ProcessingTimeSeconds: 1.5,
	}))

	first, ok, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusCompleted, first.Status)
	assert.JSONEq(t, `{"found":true}`, string(first.ResultData))

	second, _, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The lease is gone and the task is in no live structure.
	assert.False(t, s.Exists(store.LeaseKey("t1")))
	members, _ := s.ZMembers(store.ProcessingKey(string(lookup)))
	assert.Empty(t, members)

	// Cancelling a finished task is a no-op.
	cancelled, err := m.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRetryBoundAndDeadLetter(t *testing.T) {
	s, m, clock := setupTestManager(t)
	ctx := context.Background()

	task := newTask("flaky", lookup, tasks.PriorityHigh)
	task.MaxRetries = 3
	require.NoError(t, m.Enqueue(ctx, task))

	wantDelays := []time.Duration{120 * time.Second, 240 * time.Second, 480 * time.Second}
	for attempt, want := range wantDelays {
		got := mustDequeue(t, m, "w1")
		assert.Equal(t, attempt, got.RetryCount)

		status, err := m.Fail(ctx, got, &tasks.TaskResult{
			WorkerID:     "w1",
			ErrorCode:    tasks.ErrorCodeExecution,
			ErrorMessage: "boom",
		})
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusRetry, status)

		res, ok, err := m.GetStatus(ctx, "flaky")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tasks.StatusRetry, res.Status)
		assert.Equal(t, attempt+1, res.RetryCount)

		delayed, err := m.InspectQueue(ctx, lookup, true, 10)
		require.NoError(t, err)
		require.Len(t, delayed, 1)
		require.NotNil(t, delayed[0].ScheduledAt)
		assert.Equal(t, want, delayed[0].ScheduledAt.Sub(clock.Now()))

		// Not eligible before the backoff elapses.
		_, ok, err = m.Dequeue(ctx, "w1")
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(want)
		_, err = m.PromoteDue(ctx)
		require.NoError(t, err)
	}

	got := mustDequeue(t, m, "w1")
	assert.Equal(t, 3, got.RetryCount)
	status, err := m.Fail(ctx, got, &tasks.TaskResult{
		WorkerID:     "w1",
		ErrorCode:    tasks.ErrorCodeTimeout,
		ErrorMessage: "too slow",
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, status)

	res, _, err := m.GetStatus(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, res.Status)
	assert.Equal(t, tasks.ErrorCodeTimeout, res.ErrorCode)

	letters, err := m.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "flaky", letters[0].Task.TaskID)
	assert.Equal(t, "too slow", letters[0].Error)

	// Never again in any live queue.
	assert.False(t, s.Exists(store.QueueKey(string(lookup))))
	assert.False(t, s.Exists(store.DelayedKey(string(lookup))))
	clock.Advance(2 * time.Hour)
	_, err = m.PromoteDue(ctx)
	require.NoError(t, err)
	_, ok, err := m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := m.GetStatistics(ctx, lookup)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 3, stats.Retried)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.DeadLettered)
}

func TestFailNonRetryableGoesStraightToDeadLetter(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", bulk, tasks.PriorityNormal)))
	task := mustDequeue(t, m, "w1")

	require.NoError(t, m.FailTerminal(ctx, task, &tasks.TaskResult{
		WorkerID:     "w1",
		ErrorCode:    tasks.ErrorCodeHandlerNotRegistered,
		ErrorMessage: "handler not registered: bulk_import",
	}))

	res, _, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, res.Status)
	assert.Equal(t, tasks.ErrorCodeHandlerNotRegistered, res.ErrorCode)
	assert.Zero(t, res.RetryCount)

	n, err := m.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFailWithZeroMaxRetriesGoesToDeadLetter(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("once", lookup, tasks.PriorityNormal)))
	got := mustDequeue(t, m, "w1")
	assert.Zero(t, got.MaxRetries)

	status, err := m.Fail(ctx, got, &tasks.TaskResult{
		WorkerID:     "w1",
		ErrorCode:    tasks.ErrorCodeExecution,
		ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, status)

	res, _, err := m.GetStatus(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, res.Status)
	assert.Zero(t, res.RetryCount)
	assert.False(t, s.Exists(store.DelayedKey(string(lookup))))

	letters, err := m.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "once", letters[0].Task.TaskID)
	assert.Zero(t, letters[0].Task.MaxRetries)
}

func TestCancelQueuedTask(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", lookup, tasks.PriorityNormal)))

	cancelled, err := m.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	res, ok, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusCancelled, res.Status)

	assert.False(t, s.Exists(store.QueueKey(string(lookup))))
	_, ok, err = m.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	cancelled, err = m.Cancel(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, cancelled)

	stats, err := m.GetStatistics(ctx, lookup)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Cancelled)
}

func TestCancelDelayedTask(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	later := clock.Now().Add(time.Hour)
	task := newTask("t1", lookup, tasks.PriorityNormal)
	task.ScheduledAt = &later
	require.NoError(t, m.Enqueue(ctx, task))

	cancelled, err := m.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	clock.Advance(2 * time.Hour)
	n, err := m.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelProcessingTaskSetsFlag(t *testing.T) {
	_, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", lookup, tasks.PriorityNormal)))
	task := mustDequeue(t, m, "w1")

	flagged, err := m.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, flagged)

	cancelled, err := m.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	flagged, err = m.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, flagged)

	require.NoError(t, m.MarkCancelled(ctx, task, &tasks.TaskResult{WorkerID: "w1"}))
	res, _, err := m.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, res.Status)
	assert.Equal(t, tasks.ErrorCodeCancelled, res.ErrorCode)

	// Release clears the flag with the lease.
	flagged, err = m.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestDeferDoesNotConsumeRetry(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, newTask("t1", lookup, tasks.PriorityNormal)))
	task := mustDequeue(t, m, "w1")
	require.NoError(t, m.Defer(ctx, task, "w1", 5*time.Second))

	clock.Advance(5 * time.Second)
	_, err := m.PromoteDue(ctx)
	require.NoError(t, err)

	again := mustDequeue(t, m, "w2")
	assert.Equal(t, "t1", again.TaskID)
	assert.Zero(t, again.RetryCount)
}

func TestRecoverAbandoned(t *testing.T) {
	s, m, clock := setupTestManager(t)
	ctx := context.Background()

	crashed := newTask("crashed", lookup, tasks.PriorityNormal)
	crashed.TimeoutSeconds = 10
	require.NoError(t, m.Enqueue(ctx, crashed))
	done := newTask("done", lookup, tasks.PriorityLow)
	done.TimeoutSeconds = 10
	require.NoError(t, m.Enqueue(ctx, done))

	mustDequeue(t, m, "w1")
	finished := mustDequeue(t, m, "w2")
	require.NoError(t, m.Complete(ctx, finished, &tasks.TaskResult{WorkerID: "w2"}))

	// Lease still live: nothing to recover.
	n, err := m.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.FastForward(11 * time.Second)
	clock.Advance(11 * time.Second)

	n, err = m.RecoverAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again := mustDequeue(t, m, "w3")
	assert.Equal(t, "crashed", again.TaskID)

	_, ok, err := m.Dequeue(ctx, "w3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleReleaseKeepsNewOwnerLease(t *testing.T) {
	s, m, clock := setupTestManager(t)
	ctx := context.Background()

	task := newTask("t1", lookup, tasks.PriorityNormal)
	task.TimeoutSeconds = 5
	require.NoError(t, m.Enqueue(ctx, task))
	first := mustDequeue(t, m, "slow")

	s.FastForward(6 * time.Second)
	clock.Advance(6 * time.Second)
	_, err := m.RecoverAbandoned(ctx)
	require.NoError(t, err)
	mustDequeue(t, m, "fast")

	// The slow worker finishing late must not drop the new owner's lease.
	require.NoError(t, m.Complete(ctx, first, &tasks.TaskResult{WorkerID: "slow"}))
	owner, err := s.Get(store.LeaseKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "fast", owner)
}

func TestGetStatistics(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	empty, err := m.GetStatistics(ctx, lookup)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Equal(t, float64(100), empty.HealthScore)

	require.NoError(t, m.Enqueue(ctx, newTask("a", lookup, tasks.PriorityNormal)))
	require.NoError(t, m.Enqueue(ctx, newTask("b", lookup, tasks.PriorityNormal)))
	require.NoError(t, m.Enqueue(ctx, newTask("c", bulk, tasks.PriorityNormal)))

	task := mustDequeue(t, m, "w1")
	require.NoError(t, m.Complete(ctx, task, &tasks.TaskResult{WorkerID: "w1", ProcessingTimeSeconds: 2}))
	task = mustDequeue(t, m, "w1")
	require.NoError(t, m.Complete(ctx, task, &tasks.TaskResult{WorkerID: "w1", ProcessingTimeSeconds: 4}))

	perType, err := m.RefreshStatistics(ctx)
	require.NoError(t, err)
	st := perType[lookup]
	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 2, st.Completed)
	assert.Equal(t, float64(3), st.AvgProcessingSeconds)
	assert.Equal(t, float64(100), st.HealthScore)

	all, err := m.GetStatistics(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, all.Total)
	assert.EqualValues(t, 1, all.Pending)
	assert.EqualValues(t, 2, all.Completed)
	assert.InDelta(t, 66.67, all.HealthScore, 0.01)

	// Served from cache until it ages out.
	require.NoError(t, m.Enqueue(ctx, newTask("d", bulk, tasks.PriorityNormal)))
	cached, err := m.GetStatistics(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, cached.Total)

	clock.Advance(DefaultStatsMaxAge)
	fresh, err := m.GetStatistics(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 4, fresh.Total)
}

func TestHeartbeatAndLiveInstances(t *testing.T) {
	s, m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Heartbeat(ctx, Instance{InstanceID: "i-1", Workers: 4}, 60*time.Second))

	live, err := m.LiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "i-1", live[0].InstanceID)
	assert.Equal(t, 4, live[0].Workers)
	assert.Equal(t, 60*time.Second, s.TTL(store.HeartbeatKey("i-1")))

	s.FastForward(61 * time.Second)
	live, err = m.LiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestAllowTokenBucket(t *testing.T) {
	_, m, clock := setupTestManager(t)
	ctx := context.Background()

	for range 2 {
		ok, err := m.Allow(ctx, lookup, 1, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := m.Allow(ctx, lookup, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)
	ok, err = m.Allow(ctx, lookup, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSchedule(t *testing.T) {
	_, m, _ := setupTestManager(t)

	_, err := m.Schedule("not a cron spec", tasks.TaskData{QueueType: lookup})
	assert.Error(t, err)

	id, err := m.Schedule("@every 1h", tasks.TaskData{QueueType: lookup})
	require.NoError(t, err)
	assert.NotZero(t, id)
	m.Unschedule(id)
}
