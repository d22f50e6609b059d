package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

func noop(ctx context.Context, task tasks.TaskData) (tasks.TaskResult, error) {
	return tasks.TaskResult{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandler(tasks.QueueTypeProductLookup, noop)))

	err := r.Register(NewHandler(tasks.QueueTypeProductLookup, noop))
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	h, ok := r.Lookup(tasks.QueueTypeProductLookup)
	require.True(t, ok)
	assert.Equal(t, tasks.QueueTypeProductLookup, h.QueueType())

	_, ok = r.Lookup(tasks.QueueTypeBulkImport)
	assert.False(t, ok)

	r.MustRegister(NewHandler("audit", noop))
	assert.Equal(t, []tasks.QueueType{"audit", tasks.QueueTypeProductLookup}, r.Types())

	assert.Panics(t, func() { r.MustRegister(NewHandler("audit", noop)) })
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewHandler(tasks.QueueTypeProductLookup, noop))

	assert.NoError(t, r.Validate([]tasks.QueueType{tasks.QueueTypeProductLookup}))

	err := r.Validate([]tasks.QueueType{tasks.QueueTypeProductLookup, tasks.QueueTypeBulkImport, "email"})
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
	assert.Contains(t, err.Error(), "bulk_import, email")
}
