// Package tasks defines the core data structures for task representation in the jobqueue system.
// Tasks are units of work that are enqueued by producers, claimed by workers, and retried on failure.
//
// TaskData describes the work and is immutable once enqueued, apart from the retry
// bookkeeping the queue manager updates when it re-enqueues a failed task.
// TaskResult records the outcome of an execution attempt.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults for fields the producer left empty.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 300
)

// QueueType names a category of task. It selects both the destination queue
// and the handler that processes the task.
type QueueType string

// Queue types produced by the ingestion layer.
const (
	QueueTypeProductLookup QueueType = "product_lookup"
	QueueTypeBulkImport    QueueType = "bulk_import"
)

// Priority orders tasks inside a queue type. Lower ordinals are served first.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "CRITICAL",
	PriorityHigh:       "HIGH",
	PriorityNormal:     "NORMAL",
	PriorityLow:        "LOW",
	PriorityBackground: "BACKGROUND",
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts a priority name (case-insensitive) or its ordinal.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) || fmt.Sprint(int(p)) == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalJSON accepts both the string form and a bare ordinal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Priority(n).Valid() {
			return fmt.Errorf("invalid priority %d", n)
		}
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return p.UnmarshalText([]byte(s))
}

// TaskData represents a unit of work to be processed by the distributed task queue.
//
// The QueueType field routes the task to its queue and handler, while the Payload
// carries the handler-specific data. RetryCount is incremented by the queue manager
// each time a failed attempt is re-enqueued.
type TaskData struct {
	// TaskID is a unique identifier for the task (typically a UUID).
	TaskID string `json:"task_id"`

	// QueueType selects the destination queue and the handler.
	QueueType QueueType `json:"queue_type"`

	// Priority determines the processing order inside the queue type.
	Priority Priority `json:"priority"`

	// Payload contains the job-specific data. Handlers decode it with UnmarshalPayload.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the producer created the task (UTC).
	CreatedAt time.Time `json:"created_at"`

	// ScheduledAt, when set, is the earliest time the task may be dispatched.
	// Retries use it to implement backoff.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// TimeoutSeconds bounds a single execution attempt and the processing lease.
	TimeoutSeconds int `json:"timeout_seconds"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New returns a task of queueType carrying payload, with DefaultMaxRetries.
func New(queueType QueueType, payload json.RawMessage) *TaskData {
	return &TaskData{
		QueueType:  queueType,
		Payload:    payload,
		MaxRetries: DefaultMaxRetries,
	}
}

// UnmarshalJSON applies DefaultMaxRetries when max_retries is absent, so an
// explicit 0 keeps its meaning.
func (t *TaskData) UnmarshalJSON(data []byte) error {
	type plain TaskData
	p := plain{MaxRetries: DefaultMaxRetries}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = TaskData(p)
	return nil
}

// ErrInvalid is returned by Validate for malformed tasks.
var ErrInvalid = errors.New("invalid task")

// Normalize fills defaults for fields the producer left empty. MaxRetries is
// not touched: zero is a valid bound meaning "never retry". Use New, or omit
// max_retries from the JSON form, to get DefaultMaxRetries.
func (t *TaskData) Normalize(now time.Time) {
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.ScheduledAt != nil {
		utc := t.ScheduledAt.UTC()
		t.ScheduledAt = &utc
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate checks the invariants a task must satisfy before it is enqueued.
func (t *TaskData) Validate() error {
	switch {
	case t.TaskID == "":
		return fmt.Errorf("%w: empty task_id", ErrInvalid)
	case strings.TrimSpace(string(t.QueueType)) == "":
		return fmt.Errorf("%w: empty queue_type", ErrInvalid)
	case !t.Priority.Valid():
		return fmt.Errorf("%w: priority %d out of range", ErrInvalid, int(t.Priority))
	case t.MaxRetries < 0:
		return fmt.Errorf("%w: negative max_retries", ErrInvalid)
	case t.RetryCount < 0 || t.RetryCount > t.MaxRetries:
		return fmt.Errorf("%w: retry_count %d outside [0, %d]", ErrInvalid, t.RetryCount, t.MaxRetries)
	case t.TimeoutSeconds <= 0:
		return fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalid)
	}
	return nil
}

// Timeout returns the execution deadline as a duration.
func (t *TaskData) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// ReadyAt returns the earliest dispatch time, or the zero time when the task is
// immediately eligible.
func (t *TaskData) ReadyAt() time.Time {
	if t.ScheduledAt == nil {
		return time.Time{}
	}
	return *t.ScheduledAt
}

// Eligible reports whether the task may be dispatched at now.
func (t *TaskData) Eligible(now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// Clone returns a deep copy so retry bookkeeping never mutates a caller's value.
func (t *TaskData) Clone() *TaskData {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.ScheduledAt != nil {
		s := *t.ScheduledAt
		c.ScheduledAt = &s
	}
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// orderKeyLen is the width of the member prefix: 20 digits and a colon.
const orderKeyLen = 21

// Encode serializes the task into the form stored as a sorted-set member.
//
// The JSON is prefixed with created_at as zero-padded unix nanoseconds.
// Redis orders members with equal scores lexicographically, so the prefix
// serves tasks of the same score oldest first.
func Encode(t *TaskData) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return orderKey(t.CreatedAt) + string(data), nil
}

func orderKey(createdAt time.Time) string {
	var ns int64
	if !createdAt.IsZero() && createdAt.Unix() > 0 {
		ns = createdAt.UnixNano()
	}
	return fmt.Sprintf("%020d:", ns)
}

// Decode parses a sorted-set member back into a task. Members without the
// order prefix are accepted as plain JSON.
func Decode(member string) (*TaskData, error) {
	if len(member) > orderKeyLen && member[orderKeyLen-1] == ':' && member[0] != '{' {
		member = member[orderKeyLen:]
	}
	var t TaskData
	if err := json.Unmarshal([]byte(member), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
