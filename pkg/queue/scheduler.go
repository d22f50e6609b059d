package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Schedule registers a cron job that enqueues a copy of template on every run.
// The spec is a cron expression with a leading seconds field
// (e.g., "0 */5 * * * *"). Each run gets a fresh task id and created_at so
// runs are tracked independently.
func (m *Manager) Schedule(spec string, template tasks.TaskData) (cron.EntryID, error) {
	return m.cron.AddFunc(spec, func() {
		task := template.Clone()
		task.TaskID = uuid.New().String()
		task.CreatedAt = m.now()
		task.RetryCount = 0

		if err := m.Enqueue(context.Background(), task); err != nil {
			logger.Log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled task")
			return
		}
		logger.Log.Info().
			Str("task_id", task.TaskID).
			Str("queue_type", string(task.QueueType)).
			Str("spec", spec).
			Msg("Scheduled task enqueued")
	})
}

// Unschedule removes a cron job registered with Schedule.
func (m *Manager) Unschedule(id cron.EntryID) {
	m.cron.Remove(id)
}

// StartScheduler starts the cron scheduler in a background goroutine.
func (m *Manager) StartScheduler() {
	m.cron.Start()
}

// StopScheduler stops the cron scheduler and waits for running jobs.
func (m *Manager) StopScheduler() {
	<-m.cron.Stop().Done()
}
