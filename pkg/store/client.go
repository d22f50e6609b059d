// Package store is the thin Backing Store Client over Redis used by the queue.
//
// It knows the key layout and the atomic primitives (sorted sets, hashes,
// lists, expiring strings and Lua scripts) but nothing about task semantics:
// members arrive already serialized and scores already computed.
//
// Every failed round-trip is reported wrapped in ErrUnavailable so callers can
// tell transient store failures apart from "not found".
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable marks any error caused by the store round-trip itself.
var ErrUnavailable = errors.New("store unavailable")

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Client wraps a go-redis client with the queue's storage operations.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a client connected to the Redis server described by opts.
//
// Example:
//
//	client := store.NewClient(store.Options{Addr: "localhost:6379"})
func NewClient(opts Options) *Client {
	return NewClientWithRedis(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	}))
}

// NewClientWithRedis wraps an existing go-redis client.
func NewClientWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for inspection tools and tests.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return wrap("ping", c.rdb.Ping(ctx).Err())
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// EnqueueArgs describes one atomic insert.
type EnqueueArgs struct {
	TaskID    string
	QueueType string
	Member    string

	// Score is the priority score used in the live set.
	Score float64

	// ReadyAt, when non-zero, routes the member to the delayed set scored by ready time.
	ReadyAt time.Time

	MetadataTTL time.Duration
	EnqueuedAt  time.Time

	// ClearResult drops a stale result from a previous run of the same id.
	ClearResult bool
	// CountSubmission increments the queue's total counter.
	CountSubmission bool
}

// Enqueue inserts the member into the live or delayed set of its queue type,
// replacing any previous member of the same task id. It writes nothing on failure.
func (c *Client) Enqueue(ctx context.Context, a EnqueueArgs) error {
	target, setScore, status := QueueKey(a.QueueType), a.Score, MetaPending
	if !a.ReadyAt.IsZero() {
		target, setScore, status = DelayedKey(a.QueueType), unixSeconds(a.ReadyAt), MetaDelayed
	}

	err := enqueueScript.Run(ctx, c.rdb,
		[]string{target, MetadataKey(a.TaskID), ResultKey(a.TaskID), StatsKey(a.QueueType)},
		a.Member,
		strconv.FormatFloat(setScore, 'f', -1, 64),
		a.QueueType,
		status,
		seconds(a.MetadataTTL),
		flag(a.ClearResult),
		flag(a.CountSubmission),
		strconv.FormatFloat(a.Score, 'f', -1, 64),
		a.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		QueueKey(a.QueueType),
	).Err()
	return wrap("enqueue", err)
}

// Candidate is a sorted-set entry considered for dispatch.
type Candidate struct {
	Member string
	Score  float64
}

// Candidates returns live entries of a queue type in ascending score order.
func (c *Client) Candidates(ctx context.Context, queueType string, offset, limit int64) ([]Candidate, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, QueueKey(queueType), offset, offset+limit-1).Result()
	if err != nil {
		return nil, wrap("candidates", err)
	}
	out := make([]Candidate, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Candidate{Member: member, Score: z.Score})
	}
	return out, nil
}

// ClaimArgs describes a conditional pop.
type ClaimArgs struct {
	TaskID      string
	QueueType   string
	Member      string
	WorkerID    string
	LeaseTTL    time.Duration
	Now         time.Time
	MetadataTTL time.Duration
}

// Claim removes the member from the live set and, only if this call removed
// it, writes the processing lease. It reports whether the caller owns the task.
func (c *Client) Claim(ctx context.Context, a ClaimArgs) (bool, error) {
	expiry := a.Now.Add(a.LeaseTTL)
	n, err := claimScript.Run(ctx, c.rdb,
		[]string{QueueKey(a.QueueType), LeaseKey(a.TaskID), ProcessingKey(a.QueueType), MetadataKey(a.TaskID)},
		a.Member,
		a.WorkerID,
		seconds(a.LeaseTTL),
		a.TaskID,
		strconv.FormatFloat(unixSeconds(expiry), 'f', -1, 64),
		seconds(a.MetadataTTL),
	).Int()
	if err != nil {
		return false, wrap("claim", err)
	}
	return n == 1, nil
}

// Remove drops a live member without claiming it. Used for undecodable entries.
func (c *Client) Remove(ctx context.Context, queueType, member string) (bool, error) {
	n, err := c.rdb.ZRem(ctx, QueueKey(queueType), member).Result()
	if err != nil {
		return false, wrap("remove", err)
	}
	return n == 1, nil
}

// DueDelayed returns up to limit delayed members whose ready time has passed.
func (c *Client) DueDelayed(ctx context.Context, queueType string, now time.Time, limit int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, DelayedKey(queueType), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrap("due delayed", err)
	}
	return members, nil
}

// Promotion moves one delayed member to the live set with its priority score.
type Promotion struct {
	TaskID string
	Member string
	Score  float64
}

// Promote atomically moves the given members; members already taken by a
// concurrent promoter or a cancel are skipped.
func (c *Client) Promote(ctx context.Context, queueType string, ps []Promotion) (int, error) {
	if len(ps) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ps)*3)
	for _, p := range ps {
		args = append(args, p.Member, strconv.FormatFloat(p.Score, 'f', -1, 64), MetadataKey(p.TaskID))
	}
	n, err := promoteScript.Run(ctx, c.rdb, []string{DelayedKey(queueType), QueueKey(queueType)}, args...).Int()
	if err != nil {
		return 0, wrap("promote", err)
	}
	return n, nil
}

// CancelOutcome reports what Cancel found.
type CancelOutcome int

const (
	CancelNotFound CancelOutcome = iota
	CancelRemoved
	CancelFlagged
)

// Cancel removes a queued task and records result, or flags a processing task.
func (c *Client) Cancel(ctx context.Context, taskID string, result map[string]any, resultTTL, cancelTTL time.Duration) (CancelOutcome, error) {
	args := []any{seconds(cancelTTL), seconds(resultTTL), statsPrefix}
	for k, v := range result {
		args = append(args, k, v)
	}
	n, err := cancelScript.Run(ctx, c.rdb,
		[]string{MetadataKey(taskID), LeaseKey(taskID), CancelKey(taskID), ResultKey(taskID)},
		args...,
	).Int()
	if err != nil {
		return CancelNotFound, wrap("cancel", err)
	}
	return CancelOutcome(n), nil
}

// CancelRequested reports whether a cancellation flag is set for the task.
func (c *Client) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, CancelKey(taskID)).Result()
	if err != nil {
		return false, wrap("cancel requested", err)
	}
	return n == 1, nil
}

// Finish records the outcome of an attempt in one transaction.
type Finish struct {
	TaskID    string
	QueueType string

	Result      map[string]any
	ResultTTL   time.Duration
	MetaStatus  string // empty leaves metadata untouched
	MetadataTTL time.Duration

	Counters          []string
	ProcessingSeconds *float64
	DeadLetter        string // JSON entry appended to the dead-letter list when set
}

// Finish writes the result, counters and optional dead-letter entry. An empty
// Result leaves the result hash untouched.
func (c *Client) Finish(ctx context.Context, f Finish) error {
	pipe := c.rdb.TxPipeline()
	if len(f.Result) > 0 {
		resultKey := ResultKey(f.TaskID)
		pipe.Del(ctx, resultKey)
		pipe.HSet(ctx, resultKey, f.Result)
		pipe.Expire(ctx, resultKey, f.ResultTTL)
	}
	if f.DeadLetter != "" {
		pipe.RPush(ctx, DeadLetterKey, f.DeadLetter)
	}
	if f.MetaStatus != "" {
		metaKey := MetadataKey(f.TaskID)
		pipe.HSet(ctx, metaKey, "status", f.MetaStatus)
		pipe.Expire(ctx, metaKey, f.MetadataTTL)
	}
	for _, counter := range f.Counters {
		pipe.HIncrBy(ctx, StatsKey(f.QueueType), counter, 1)
	}
	if f.ProcessingSeconds != nil {
		timesKey := TimesKey(f.QueueType)
		pipe.LPush(ctx, timesKey, strconv.FormatFloat(*f.ProcessingSeconds, 'f', -1, 64))
		pipe.LTrim(ctx, timesKey, 0, recentTimesLimit-1)
	}
	_, err := pipe.Exec(ctx)
	return wrap("finish", err)
}

// Release drops the processing lease if workerID still owns it.
func (c *Client) Release(ctx context.Context, queueType, taskID, workerID string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb,
		[]string{LeaseKey(taskID), ProcessingKey(queueType), CancelKey(taskID)},
		workerID, taskID,
	).Int()
	if err != nil {
		return false, wrap("release", err)
	}
	return n == 1, nil
}

// Result returns the stored result hash, or nil when none exists.
func (c *Client) Result(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, ResultKey(taskID)).Result()
	if err != nil {
		return nil, wrap("result", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Metadata returns the task metadata hash, or nil when none exists.
func (c *Client) Metadata(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, MetadataKey(taskID)).Result()
	if err != nil {
		return nil, wrap("metadata", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// LeaseOwner returns the worker holding the task's lease.
func (c *Client) LeaseOwner(ctx context.Context, taskID string) (string, bool, error) {
	owner, err := c.rdb.Get(ctx, LeaseKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("lease owner", err)
	}
	return owner, true, nil
}

// ExpiredLeases returns task ids whose indexed lease expiry is before now.
func (c *Client) ExpiredLeases(ctx context.Context, queueType string, now time.Time, limit int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, ProcessingKey(queueType), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrap("expired leases", err)
	}
	return ids, nil
}

// Recover re-inserts an abandoned task into its live set. It reports whether
// the task was made eligible again.
func (c *Client) Recover(ctx context.Context, queueType, taskID string) (bool, error) {
	n, err := recoverScript.Run(ctx, c.rdb,
		[]string{LeaseKey(taskID), MetadataKey(taskID), ResultKey(taskID), ProcessingKey(queueType), QueueKey(queueType)},
		taskID,
	).Int()
	if err != nil {
		return false, wrap("recover", err)
	}
	return n == 1, nil
}
