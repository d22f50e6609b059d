package queue

import (
	"errors"

	"github.com/guido-cesarano/jobqueue/pkg/store"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Common errors
var (
	// ErrStoreUnavailable wraps every failed store round-trip. It is transient:
	// the queue state in the store is left intact.
	ErrStoreUnavailable = store.ErrUnavailable

	// ErrInvalidTask is returned by Enqueue for tasks failing validation.
	ErrInvalidTask = tasks.ErrInvalid

	// ErrUnknownQueueType is returned when a queue type is not in the manager's scan order.
	ErrUnknownQueueType = errors.New("unknown queue type")
)
