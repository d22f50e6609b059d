package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueSnapshot is a point-in-time read of one queue type.
type QueueSnapshot struct {
	Pending    int64
	Delayed    int64
	Processing int64
	Counters   map[string]int64
	// RecentSeconds holds the latest processing times, newest first.
	RecentSeconds []float64
}

// Snapshot reads depth, counters and recent processing times for a queue type
// in one pipelined round-trip.
func (c *Client) Snapshot(ctx context.Context, queueType string) (*QueueSnapshot, error) {
	pipe := c.rdb.Pipeline()
	pending := pipe.ZCard(ctx, QueueKey(queueType))
	delayed := pipe.ZCard(ctx, DelayedKey(queueType))
	processing := pipe.ZCard(ctx, ProcessingKey(queueType))
	counters := pipe.HGetAll(ctx, StatsKey(queueType))
	times := pipe.LRange(ctx, TimesKey(queueType), 0, recentTimesLimit-1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap("snapshot", err)
	}

	snap := &QueueSnapshot{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Counters:   make(map[string]int64),
	}
	for k, v := range counters.Val() {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.Counters[k] = n
		}
	}
	for _, v := range times.Val() {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			snap.RecentSeconds = append(snap.RecentSeconds, f)
		}
	}
	return snap, nil
}

// Heartbeat writes an instance liveness key that expires after ttl.
func (c *Client) Heartbeat(ctx context.Context, instanceID, payload string, ttl time.Duration) error {
	return wrap("heartbeat", c.rdb.Set(ctx, HeartbeatKey(instanceID), payload, ttl).Err())
}

// ClearHeartbeat removes an instance's liveness key on clean shutdown.
func (c *Client) ClearHeartbeat(ctx context.Context, instanceID string) error {
	return wrap("clear heartbeat", c.rdb.Del(ctx, HeartbeatKey(instanceID)).Err())
}

// Heartbeats returns the payloads of all live instances.
func (c *Client) Heartbeats(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, heartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("heartbeats", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("heartbeats", err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeadLetters returns up to limit dead-letter entries, oldest first.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	entries, err := c.rdb.LRange(ctx, DeadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, wrap("dead letters", err)
	}
	return entries, nil
}

// DeadLetterCount returns the length of the dead-letter list.
func (c *Client) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, DeadLetterKey).Result()
	if err != nil {
		return 0, wrap("dead letter count", err)
	}
	return n, nil
}

// Peek returns up to limit members of the live or delayed set without removing them.
func (c *Client) Peek(ctx context.Context, queueType string, delayed bool, limit int64) ([]string, error) {
	key := QueueKey(queueType)
	if delayed {
		key = DelayedKey(queueType)
	}
	members, err := c.rdb.ZRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, wrap("peek", err)
	}
	return members, nil
}

// Allow consumes one token from the queue type's bucket.
//
// Parameters:
//   - rate: tokens added per second
//   - burst: bucket capacity
//
// Returns true if allowed, false otherwise.
func (c *Client) Allow(ctx context.Context, queueType string, rate float64, burst int, now time.Time) (bool, error) {
	n, err := tokenBucketScript.Run(ctx, c.rdb,
		[]string{RateLimitKey(queueType)},
		strconv.FormatFloat(rate, 'f', -1, 64),
		burst,
		strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
		1,
	).Int()
	if err != nil {
		return false, wrap("allow", err)
	}
	return n == 1, nil
}
