package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

var allPriorities = []tasks.Priority{
	tasks.PriorityCritical,
	tasks.PriorityHigh,
	tasks.PriorityNormal,
	tasks.PriorityLow,
	tasks.PriorityBackground,
}

func TestScore_HigherPriorityFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	normal := &tasks.TaskData{Priority: tasks.PriorityNormal, CreatedAt: now}
	critical := &tasks.TaskData{Priority: tasks.PriorityCritical, CreatedAt: now}

	assert.Less(t, Score(critical, now), Score(normal, now))
}

func TestScore_OlderTaskWinsInsideBand(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	older := &tasks.TaskData{Priority: tasks.PriorityLow, CreatedAt: now.Add(-90 * time.Minute)}
	newer := &tasks.TaskData{Priority: tasks.PriorityLow, CreatedAt: now.Add(-5 * time.Minute)}

	assert.Less(t, Score(older, now), Score(newer, now))
}

func TestScore_AgeNeverCrossesBand(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Greater(t, BandGap, AgeCapMinutes)

	for i := 0; i < len(allPriorities)-1; i++ {
		higher := allPriorities[i]
		lower := allPriorities[i+1]

		fresh := &tasks.TaskData{Priority: higher, CreatedAt: now}
		// Older than the cap: the maximum possible bonus.
		ancient := &tasks.TaskData{Priority: lower, CreatedAt: now.Add(-30 * 24 * time.Hour)}

		assert.Less(t, Score(fresh, now), Score(ancient, now),
			"%s must stay ahead of %s regardless of age", higher, lower)

		_, higherMax := Band(higher)
		lowerMin, _ := Band(lower)
		assert.Less(t, higherMax, lowerMin)
	}
}

func TestScore_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	task := &tasks.TaskData{Priority: tasks.PriorityHigh, CreatedAt: now.Add(-10 * time.Minute)}

	assert.Equal(t, Score(task, now), Score(task, now))
	assert.InDelta(t, 2*BandGap-10, Score(task, now), 1e-9)
}

func TestAgeBonus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		want      float64
	}{
		{"zero time", time.Time{}, 0},
		{"future", now.Add(time.Hour), 0},
		{"half hour", now.Add(-30 * time.Minute), 30},
		{"capped", now.Add(-48 * time.Hour), AgeCapMinutes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AgeBonus(tt.createdAt, now), 1e-9)
		})
	}
}
