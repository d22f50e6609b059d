package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state reported for a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorCode classifies why an attempt did not complete.
type ErrorCode string

const (
	ErrorCodeHandlerNotRegistered ErrorCode = "HANDLER_NOT_REGISTERED"
	ErrorCodeTimeout              ErrorCode = "TIMEOUT"
	ErrorCodeExecution            ErrorCode = "EXECUTION_ERROR"
	ErrorCodeCancelled            ErrorCode = "CANCELLED"
)

// Retryable reports whether a failure with this code may be retried.
func (c ErrorCode) Retryable() bool {
	return c == ErrorCodeTimeout || c == ErrorCodeExecution
}

// TaskResult is the outcome record of an execution attempt.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`

	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCode    ErrorCode       `json:"error_code,omitempty"`

	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	WorkerID              string     `json:"worker_id,omitempty"`
	RetryCount            int        `json:"retry_count"`
}

// Hash field names used for task_result:{id}.
const (
	fieldStatus         = "status"
	fieldResultData     = "result_data"
	fieldErrorMessage   = "error_message"
	fieldErrorCode      = "error_code"
	fieldStartedAt      = "started_at"
	fieldCompletedAt    = "completed_at"
	fieldProcessingTime = "processing_time_seconds"
	fieldWorkerID       = "worker_id"
	fieldRetryCount     = "retry_count"
)

// Fields flattens the result into the hash stored under task_result:{id}.
// Empty optional values are omitted.
func (r *TaskResult) Fields() map[string]any {
	f := map[string]any{
		fieldStatus:         string(r.Status),
		fieldProcessingTime: strconv.FormatFloat(r.ProcessingTimeSeconds, 'f', -1, 64),
		fieldRetryCount:     r.RetryCount,
	}
	if len(r.ResultData) > 0 {
		f[fieldResultData] = string(r.ResultData)
	}
	if r.ErrorMessage != "" {
		f[fieldErrorMessage] = r.ErrorMessage
	}
	if r.ErrorCode != "" {
		f[fieldErrorCode] = string(r.ErrorCode)
	}
	if r.StartedAt != nil {
		f[fieldStartedAt] = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.CompletedAt != nil {
		f[fieldCompletedAt] = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.WorkerID != "" {
		f[fieldWorkerID] = r.WorkerID
	}
	return f
}

// ResultFromFields rebuilds a result from its hash representation.
func ResultFromFields(taskID string, f map[string]string) (*TaskResult, error) {
	status, ok := f[fieldStatus]
	if !ok {
		return nil, fmt.Errorf("result for %s has no status", taskID)
	}
	r := &TaskResult{
		TaskID:       taskID,
		Status:       Status(status),
		ErrorMessage: f[fieldErrorMessage],
		ErrorCode:    ErrorCode(f[fieldErrorCode]),
		WorkerID:     f[fieldWorkerID],
	}
	if v := f[fieldResultData]; v != "" {
		r.ResultData = json.RawMessage(v)
	}
	if v := f[fieldProcessingTime]; v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldProcessingTime, err)
		}
		r.ProcessingTimeSeconds = secs
	}
	if v := f[fieldRetryCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldRetryCount, err)
		}
		r.RetryCount = n
	}
	var err error
	if r.StartedAt, err = parseTime(f[fieldStartedAt]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldStartedAt, err)
	}
	if r.CompletedAt, err = parseTime(f[fieldCompletedAt]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldCompletedAt, err)
	}
	return r, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
