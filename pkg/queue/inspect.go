package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// DeadLetter is an entry of the dead letter queue.
type DeadLetter struct {
	Task *tasks.TaskData `json:"task,omitempty"`
	// Raw holds the stored member when it could not be decoded into a task.
	Raw       string          `json:"raw,omitempty"`
	Error     string          `json:"error"`
	ErrorCode tasks.ErrorCode `json:"error_code"`
	FailedAt  time.Time       `json:"failed_at"`
}

func (d DeadLetter) encode() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InspectQueue returns up to limit tasks of a queue type without removing
// them, in dispatch order. With delayed set, the delayed set is read instead.
func (m *Manager) InspectQueue(ctx context.Context, qt tasks.QueueType, delayed bool, limit int64) ([]*tasks.TaskData, error) {
	members, err := m.store.Peek(ctx, string(qt), delayed, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*tasks.TaskData, 0, len(members))
	for _, member := range members {
		task, err := tasks.Decode(member)
		if err != nil {
			// Skip malformed tasks for inspection purposes
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// DeadLetters returns up to limit dead letter entries, oldest first.
func (m *Manager) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raw, err := m.store.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, entry := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(entry), &d); err != nil {
			logger.Log.Warn().Err(err).Msg("Skipping malformed dead letter entry")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DeadLetterCount returns the number of dead letter entries.
func (m *Manager) DeadLetterCount(ctx context.Context) (int64, error) {
	return m.store.DeadLetterCount(ctx)
}

// Instance is the liveness record a worker pool publishes.
type Instance struct {
	InstanceID string    `json:"instance_id"`
	Hostname   string    `json:"hostname"`
	Workers    int       `json:"workers"`
	Active     int       `json:"active"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Heartbeat publishes inst with a TTL; absence of a fresh key marks the
// instance dead to external monitors.
func (m *Manager) Heartbeat(ctx context.Context, inst Instance, ttl time.Duration) error {
	inst.LastSeen = m.now()
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return m.store.Heartbeat(ctx, inst.InstanceID, string(data), ttl)
}

// ClearHeartbeat removes an instance's liveness record.
func (m *Manager) ClearHeartbeat(ctx context.Context, instanceID string) error {
	return m.store.ClearHeartbeat(ctx, instanceID)
}

// LiveInstances returns every instance whose heartbeat has not expired.
func (m *Manager) LiveInstances(ctx context.Context) ([]Instance, error) {
	raw, err := m.store.Heartbeats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(raw))
	for _, entry := range raw {
		var inst Instance
		if err := json.Unmarshal([]byte(entry), &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}
