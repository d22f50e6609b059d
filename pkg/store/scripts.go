package store

import "github.com/redis/go-redis/v9"

// Every script below runs as a single Redis operation, which is the only
// atomicity the queue relies on.

// enqueueScript removes any previous member recorded for the task before
// inserting the new one, so a task id has at most one live entry.
//
// KEYS: target set, metadata, result, stats
// ARGV: member, set score, queue type, meta status, meta ttl seconds,
//
//	clear result flag, count submission flag, priority score, enqueued at, live queue key
var enqueueScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[2], 'member')
if old then
	local oldkey = redis.call('HGET', KEYS[2], 'queue')
	if oldkey then
		redis.call('ZREM', oldkey, old)
	end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2],
	'member', ARGV[1],
	'queue', KEYS[1],
	'live_queue', ARGV[10],
	'queue_type', ARGV[3],
	'status', ARGV[4],
	'score', ARGV[8],
	'enqueued_at', ARGV[9])
redis.call('HDEL', KEYS[2], 'worker_id')
redis.call('EXPIRE', KEYS[2], ARGV[5])
if ARGV[6] == '1' then
	redis.call('DEL', KEYS[3])
end
if ARGV[7] == '1' then
	redis.call('HINCRBY', KEYS[4], 'total', 1)
end
return 1
`)

// claimScript is the conditional remove: only the caller whose ZREM succeeds
// gets the lease.
//
// KEYS: live set, lease, processing index, metadata
// ARGV: member, worker id, lease ttl seconds, task id, lease expiry, meta ttl seconds
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
redis.call('HSET', KEYS[4],
	'member', ARGV[1],
	'queue', KEYS[1],
	'live_queue', KEYS[1],
	'status', 'processing',
	'worker_id', ARGV[2])
redis.call('EXPIRE', KEYS[4], ARGV[6])
return 1
`)

// promoteScript moves due members from the delayed set to the live set.
//
// KEYS: delayed set, live set
// ARGV: repeated (member, score, metadata key)
var promoteScript = redis.NewScript(`
local moved = 0
for i = 1, #ARGV, 3 do
	if redis.call('ZREM', KEYS[1], ARGV[i]) == 1 then
		redis.call('ZADD', KEYS[2], ARGV[i+1], ARGV[i])
		if redis.call('EXISTS', ARGV[i+2]) == 1 then
			redis.call('HSET', ARGV[i+2], 'queue', KEYS[2], 'status', 'pending', 'score', ARGV[i+1])
		end
		moved = moved + 1
	end
end
return moved
`)

// cancelScript returns 1 when a queued task was removed, 2 when a processing
// task was flagged, 0 otherwise.
//
// KEYS: metadata, lease, cancel flag, result
// ARGV: cancel ttl seconds, result ttl seconds, stats key prefix, then result field pairs
var cancelScript = redis.NewScript(`
local member = redis.call('HGET', KEYS[1], 'member')
local status = redis.call('HGET', KEYS[1], 'status')
if member and (status == 'pending' or status == 'delayed') then
	local key = redis.call('HGET', KEYS[1], 'queue')
	if key and redis.call('ZREM', key, member) == 1 then
		redis.call('HSET', KEYS[1], 'status', 'cancelled')
		redis.call('DEL', KEYS[4])
		for i = 4, #ARGV, 2 do
			redis.call('HSET', KEYS[4], ARGV[i], ARGV[i+1])
		end
		redis.call('EXPIRE', KEYS[4], ARGV[2])
		local qt = redis.call('HGET', KEYS[1], 'queue_type')
		if qt then
			redis.call('HINCRBY', ARGV[3] .. qt, 'cancelled', 1)
		end
		return 1
	end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('SET', KEYS[3], '1', 'EX', ARGV[1])
	return 2
end
return 0
`)

// releaseScript drops the lease only while the caller still owns it.
//
// KEYS: lease, processing index, cancel flag
// ARGV: worker id, task id
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[2])
	redis.call('DEL', KEYS[3])
	return 1
end
return 0
`)

// recoverScript re-inserts a task whose lease lapsed without a terminal result.
//
// KEYS: lease, metadata, result, processing index, live set
// ARGV: task id
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
local status = redis.call('HGET', KEYS[2], 'status')
if status ~= 'processing' then
	return 0
end
local rs = redis.call('HGET', KEYS[3], 'status')
if rs == 'COMPLETED' or rs == 'FAILED' or rs == 'CANCELLED' then
	return 0
end
local member = redis.call('HGET', KEYS[2], 'member')
local score = redis.call('HGET', KEYS[2], 'score')
if (not member) or (not score) then
	return 0
end
redis.call('ZADD', KEYS[5], score, member)
redis.call('HSET', KEYS[2], 'status', 'pending', 'queue', KEYS[5])
redis.call('HDEL', KEYS[2], 'worker_id')
return 1
`)

// tokenBucketScript implements a token bucket per key.
//
// KEYS: rate limit key
// ARGV: rate (tokens/sec), burst, now (seconds), tokens requested
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if not tokens then
	tokens = burst
	last_refill = now
end

local delta = math.max(0, now - last_refill)
local new_tokens = math.min(burst, tokens + (delta * rate))

local allowed = 0
if new_tokens >= requested then
	new_tokens = new_tokens - requested
	allowed = 1
end
redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
return allowed
`)
