package store

// Key layout. Per-queue-type keys embed the queue type verbatim, per-task keys
// embed the task id.
//
//   - queue:{type}             ZSET  live tasks, score = priority score
//   - delayed_queue:{type}     ZSET  tasks gated by scheduled_at, score = ready time (unix seconds)
//   - processing_queue:{type}  ZSET  lease index, member = task id, score = lease expiry (unix seconds)
//   - task_metadata:{id}       HASH  member, queue, queue_type, status, score, worker_id
//   - task_result:{id}         HASH  TaskResult fields
//   - task_processing:{id}     STRING owning worker id, TTL = task timeout
//   - task_cancel:{id}         STRING cancellation request
//   - dead_letter_queue        LIST  dead-letter entries
//   - worker_heartbeat:{id}    STRING instance liveness, TTL = 2x heartbeat interval
//   - queue_stats:{type}       HASH  counters
//   - queue_times:{type}       LIST  recent processing times in seconds
//   - ratelimit:{type}         HASH  token bucket state
const (
	DeadLetterKey = "dead_letter_queue"

	queuePrefix      = "queue:"
	delayedPrefix    = "delayed_queue:"
	processingPrefix = "processing_queue:"
	metadataPrefix   = "task_metadata:"
	resultPrefix     = "task_result:"
	leasePrefix      = "task_processing:"
	cancelPrefix     = "task_cancel:"
	heartbeatPrefix  = "worker_heartbeat:"
	statsPrefix      = "queue_stats:"
	timesPrefix      = "queue_times:"
	rateLimitPrefix  = "ratelimit:"
)

// Metadata status values stored in task_metadata:{id}.
const (
	MetaPending    = "pending"
	MetaDelayed    = "delayed"
	MetaProcessing = "processing"
	MetaCompleted  = "completed"
	MetaFailed     = "failed"
	MetaCancelled  = "cancelled"
	MetaDeadLetter = "dead_letter"
)

// Counter fields of queue_stats:{type}.
const (
	CounterTotal        = "total"
	CounterCompleted    = "completed"
	CounterFailed       = "failed"
	CounterRetried      = "retried"
	CounterCancelled    = "cancelled"
	CounterDeadLettered = "dead_lettered"
)

// recentTimesLimit bounds queue_times:{type}.
const recentTimesLimit = 100

func QueueKey(queueType string) string      { return queuePrefix + queueType }
func DelayedKey(queueType string) string    { return delayedPrefix + queueType }
func ProcessingKey(queueType string) string { return processingPrefix + queueType }
func MetadataKey(taskID string) string      { return metadataPrefix + taskID }
func ResultKey(taskID string) string        { return resultPrefix + taskID }
func LeaseKey(taskID string) string         { return leasePrefix + taskID }
func CancelKey(taskID string) string        { return cancelPrefix + taskID }
func HeartbeatKey(instanceID string) string { return heartbeatPrefix + instanceID }
func StatsKey(queueType string) string      { return statsPrefix + queueType }
func TimesKey(queueType string) string      { return timesPrefix + queueType }
func RateLimitKey(queueType string) string  { return rateLimitPrefix + queueType }
