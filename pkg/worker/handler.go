// Package worker runs pools of workers that claim tasks from the queue manager
// and execute them through registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

var (
	// ErrHandlerNotRegistered is reported when a queue type has no handler.
	ErrHandlerNotRegistered = errors.New("handler not registered")

	// ErrDuplicateHandler is returned when a queue type is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrTaskCancelled is the cause attached to a handler context when the
	// task's cancellation flag is observed. Handlers see it via context.Cause.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrShutdownTimeout is returned by Stop when in-flight executions did not
	// finish within the graceful timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrAlreadyRunning is returned by Start on a running pool.
	ErrAlreadyRunning = errors.New("pool already running")
)

// Handler processes tasks of one queue type.
//
// Handle must honor ctx: its deadline is the task's timeout and it is
// cancelled with cause ErrTaskCancelled when the task is cancelled. Delivery
// is at-least-once, so Handle must be safe to run more than once for the same
// task id.
type Handler interface {
	QueueType() tasks.QueueType
	Handle(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error)
}

// HandlerFunc adapts a function to Handler through NewHandler.
type HandlerFunc func(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error)

type funcHandler struct {
	queueType tasks.QueueType
	fn        HandlerFunc
}

func (h funcHandler) QueueType() tasks.QueueType { return h.queueType }

func (h funcHandler) Handle(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error) {
	return h.fn(ctx, task)
}

// NewHandler returns a Handler for queueType backed by fn.
func NewHandler(queueType tasks.QueueType, fn HandlerFunc) Handler {
	return funcHandler{queueType: queueType, fn: fn}
}

// Registry maps queue types to handlers. It is populated at startup and
// read concurrently by workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[tasks.QueueType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[tasks.QueueType]Handler)}
}

// Register adds h under its queue type.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	qt := h.QueueType()
	if _, ok := r.handlers[qt]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, qt)
	}
	r.handlers[qt] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler for qt.
func (r *Registry) Lookup(qt tasks.QueueType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[qt]
	return h, ok
}

// Types returns the registered queue types, sorted.
func (r *Registry) Types() []tasks.QueueType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tasks.QueueType, 0, len(r.handlers))
	for qt := range r.handlers {
		out = append(out, qt)
	}
	slices.Sort(out)
	return out
}

// Validate reports every queue type in types without a handler.
func (r *Registry) Validate(types []tasks.QueueType) error {
	var missing []string
	for _, qt := range types {
		if _, ok := r.Lookup(qt); !ok {
			missing = append(missing, string(qt))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, strings.Join(missing, ", "))
	}
	return nil
}
