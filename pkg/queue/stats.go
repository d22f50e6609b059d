package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Stats summarizes one queue type, or all configured types when QueueType is empty.
type Stats struct {
	QueueType    string `json:"queue_type,omitempty"`
	Total        int64  `json:"total"`
	Pending      int64  `json:"pending"`
	Delayed      int64  `json:"delayed"`
	Processing   int64  `json:"processing"`
	Completed    int64  `json:"completed"`
	Failed       int64  `json:"failed"`
	Retried      int64  `json:"retried"`
	Cancelled    int64  `json:"cancelled"`
	DeadLettered int64  `json:"dead_lettered"`

	// AvgProcessingSeconds averages the most recent processing times.
	AvgProcessingSeconds float64 `json:"avg_processing_time_seconds"`

	// HealthScore is completed/total*100, or 100 while nothing was submitted.
	HealthScore float64 `json:"health_score"`

	UpdatedAt time.Time `json:"updated_at"`

	samples int
	sum     float64
}

func (s *Stats) add(snap *store.QueueSnapshot) {
	s.Pending += snap.Pending
	s.Delayed += snap.Delayed
	s.Processing += snap.Processing
	s.Total += snap.Counters[store.CounterTotal]
	s.Completed += snap.Counters[store.CounterCompleted]
	s.Failed += snap.Counters[store.CounterFailed]
	s.Retried += snap.Counters[store.CounterRetried]
	s.Cancelled += snap.Counters[store.CounterCancelled]
	s.DeadLettered += snap.Counters[store.CounterDeadLettered]
	for _, secs := range snap.RecentSeconds {
		s.sum += secs
		s.samples++
	}
}

func (s *Stats) finish(now time.Time) {
	if s.samples > 0 {
		s.AvgProcessingSeconds = s.sum / float64(s.samples)
	}
	s.HealthScore = 100
	if s.Total > 0 {
		s.HealthScore = float64(s.Completed) / float64(s.Total) * 100
	}
	s.UpdatedAt = now
}

// GetStatistics returns statistics for queueType, or the aggregate over every
// configured queue type when queueType is empty. A snapshot cached by
// RefreshStatistics is served while younger than StatsMaxAge.
func (m *Manager) GetStatistics(ctx context.Context, queueType tasks.QueueType) (Stats, error) {
	m.statsMu.RLock()
	cached, ok := m.stats[queueType]
	m.statsMu.RUnlock()
	if ok && m.now().Sub(cached.UpdatedAt) < m.cfg.StatsMaxAge {
		return *cached, nil
	}

	st, err := m.computeStats(ctx, queueType)
	if err != nil {
		return Stats{}, err
	}
	m.statsMu.Lock()
	m.stats[queueType] = &st
	m.statsMu.Unlock()
	return st, nil
}

// RefreshStatistics recomputes every per-type snapshot and the aggregate and
// replaces the cache. Returns the per-type snapshots.
func (m *Manager) RefreshStatistics(ctx context.Context) (map[tasks.QueueType]Stats, error) {
	now := m.now()
	out := make(map[tasks.QueueType]Stats, len(m.cfg.QueueOrder))
	all := Stats{}
	for _, qt := range m.cfg.QueueOrder {
		snap, err := m.store.Snapshot(ctx, string(qt))
		if err != nil {
			return nil, err
		}
		st := Stats{QueueType: string(qt)}
		st.add(snap)
		all.add(snap)
		st.finish(now)
		out[qt] = st
	}
	all.finish(now)

	m.statsMu.Lock()
	for qt, st := range out {
		m.stats[qt] = &st
	}
	m.stats[""] = &all
	m.statsMu.Unlock()
	return out, nil
}

func (m *Manager) computeStats(ctx context.Context, queueType tasks.QueueType) (Stats, error) {
	types := []tasks.QueueType{queueType}
	if queueType == "" {
		types = m.cfg.QueueOrder
	}
	st := Stats{QueueType: string(queueType)}
	for _, qt := range types {
		snap, err := m.store.Snapshot(ctx, string(qt))
		if err != nil {
			return Stats{}, err
		}
		st.add(snap)
	}
	st.finish(m.now())
	return st, nil
}
