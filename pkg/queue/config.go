package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Default configuration values
const (
	DefaultBulkConcurrency = 5
	DefaultScanLimit       = 16
	DefaultPromoteBatch    = 100
	DefaultRecoverBatch    = 100
	DefaultMetadataTTL     = 24 * time.Hour
	DefaultResultTTL       = 7 * 24 * time.Hour
	DefaultCancelTTL       = time.Hour
	DefaultRetryBaseDelay  = 60 * time.Second
	DefaultRetryMaxDelay   = time.Hour
	DefaultStatsMaxAge     = time.Minute
)

// Config configures a Manager. Zero values fall back to the defaults above.
type Config struct {
	// QueueOrder is the scan order Dequeue follows. It is authoritative across
	// queue types and unrelated to task priority.
	QueueOrder []tasks.QueueType

	// BulkConcurrency bounds in-flight store calls in EnqueueBulk.
	BulkConcurrency int

	// ScanLimit is how many candidates per queue type one Dequeue inspects.
	ScanLimit int

	MetadataTTL time.Duration
	ResultTTL   time.Duration
	CancelTTL   time.Duration

	Retry RetryPolicy

	// StatsMaxAge is how long a cached statistics snapshot is served.
	StatsMaxAge time.Duration

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = DefaultBulkConcurrency
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = DefaultScanLimit
	}
	if c.MetadataTTL <= 0 {
		c.MetadataTTL = DefaultMetadataTTL
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.CancelTTL <= 0 {
		c.CancelTTL = DefaultCancelTTL
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.StatsMaxAge <= 0 {
		c.StatsMaxAge = DefaultStatsMaxAge
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Store is the subset of the backing store client the manager depends on.
// *store.Client implements it.
type Store interface {
	Enqueue(ctx context.Context, a store.EnqueueArgs) error
	Candidates(ctx context.Context, queueType string, offset, limit int64) ([]store.Candidate, error)
	Claim(ctx context.Context, a store.ClaimArgs) (bool, error)
	Remove(ctx context.Context, queueType, member string) (bool, error)
	DueDelayed(ctx context.Context, queueType string, now time.Time, limit int64) ([]string, error)
	Promote(ctx context.Context, queueType string, ps []store.Promotion) (int, error)
	Cancel(ctx context.Context, taskID string, result map[string]any, resultTTL, cancelTTL time.Duration) (store.CancelOutcome, error)
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	Finish(ctx context.Context, f store.Finish) error
	Release(ctx context.Context, queueType, taskID, workerID string) (bool, error)
	Result(ctx context.Context, taskID string) (map[string]string, error)
	Metadata(ctx context.Context, taskID string) (map[string]string, error)
	LeaseOwner(ctx context.Context, taskID string) (string, bool, error)
	ExpiredLeases(ctx context.Context, queueType string, now time.Time, limit int64) ([]string, error)
	Recover(ctx context.Context, queueType, taskID string) (bool, error)
	Snapshot(ctx context.Context, queueType string) (*store.QueueSnapshot, error)
	Heartbeat(ctx context.Context, instanceID, payload string, ttl time.Duration) error
	ClearHeartbeat(ctx context.Context, instanceID string) error
	Heartbeats(ctx context.Context) ([]string, error)
	DeadLetters(ctx context.Context, limit int64) ([]string, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	Peek(ctx context.Context, queueType string, delayed bool, limit int64) ([]string, error)
	Allow(ctx context.Context, queueType string, rate float64, burst int, now time.Time) (bool, error)
}

var _ Store = (*store.Client)(nil)
