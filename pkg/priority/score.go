// Package priority computes the ordering key used for the per-queue-type sorted sets.
//
// A lower score is served first. The priority ordinal is the primary key and task
// age is a bounded tie-breaker:
//
//	score = ordinal*BandGap - min(ageMinutes, AgeCapMinutes)
//
// BandGap is larger than AgeCapMinutes, so no amount of waiting moves a task
// ahead of a task from a higher priority band.
package priority

import (
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

const (
	// AgeCapMinutes bounds the age bonus to one day.
	AgeCapMinutes = 1440

	// BandGap is the score distance between adjacent priority ordinals.
	BandGap = 10000
)

// Score returns the sorted-set score for task evaluated at now.
func Score(task *tasks.TaskData, now time.Time) float64 {
	return float64(int(task.Priority))*BandGap - AgeBonus(task.CreatedAt, now)
}

// AgeBonus returns the task age in minutes, clamped to [0, AgeCapMinutes].
func AgeBonus(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	age := now.Sub(createdAt).Minutes()
	switch {
	case age < 0:
		return 0
	case age > AgeCapMinutes:
		return AgeCapMinutes
	}
	return age
}

// Band returns the inclusive score range [lo, hi] a priority can occupy.
func Band(p tasks.Priority) (lo, hi float64) {
	base := float64(int(p)) * BandGap
	return base - AgeCapMinutes, base
}
