package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// maxBulkTasks caps a single /enqueue/bulk request.
const maxBulkTasks = 1000

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to write response")
	}
}

// writeError maps queue errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidTask), errors.Is(err, queue.ErrUnknownQueueType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryLimit(r *http.Request, def int64) int64 {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// setupRouter configures the HTTP handlers and returns the mux.
// Every route is wrapped as CORS(Auth(handler)) so preflight requests never hit auth.
func setupRouter(manager *queue.Manager, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(path, method string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}, apiKey)))
	}

	handle("/enqueue", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			http.Error(w, "Missing request body", http.StatusBadRequest)
			return
		}
		var task tasks.TaskData
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := manager.Enqueue(r.Context(), &task); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"task_id": task.TaskID,
			"status":  string(tasks.StatusPending),
		})
	})

	handle("/enqueue/bulk", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			http.Error(w, "Missing request body", http.StatusBadRequest)
			return
		}
		var req struct {
			Tasks []*tasks.TaskData `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Tasks) == 0 || len(req.Tasks) > maxBulkTasks {
			http.Error(w, fmt.Sprintf("tasks must contain 1 to %d entries", maxBulkTasks), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, manager.EnqueueBulk(r.Context(), req.Tasks))
	})

	handle("/status", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		result, ok, err := manager.GetStatus(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	handle("/cancel", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("id")
		if taskID == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		cancelled, err := manager.Cancel(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !cancelled {
			http.Error(w, "Task not found or already finished", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "cancelled": true})
	})

	handle("/stats", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		stats, err := manager.GetStatistics(r.Context(), tasks.QueueType(r.URL.Query().Get("type")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	handle("/schedule", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			http.Error(w, "Missing request body", http.StatusBadRequest)
			return
		}
		var req struct {
			Spec string         `json:"spec"` // Cron expression with seconds (e.g. "0 * * * * *" or "@every 1m")
			Task tasks.TaskData `json:"task"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Task.Normalize(time.Now().UTC())
		if err := req.Task.Validate(); err != nil {
			writeError(w, err)
			return
		}
		entryID, err := manager.Schedule(req.Spec, req.Task)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid cron spec: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"entry_id": entryID})
	})

	handle("/tasks", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		qt := r.URL.Query().Get("type")
		if qt == "" {
			http.Error(w, "Missing type parameter", http.StatusBadRequest)
			return
		}
		delayed := r.URL.Query().Get("delayed") == "true"
		// Inspect top 50 tasks by default (arbitrary limit for inspector)
		list, err := manager.InspectQueue(r.Context(), tasks.QueueType(qt), delayed, queryLimit(r, 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	handle("/dead-letters", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		entries, err := manager.DeadLetters(r.Context(), queryLimit(r, 50))
		if err != nil {
			writeError(w, err)
			return
		}
		total, err := manager.DeadLetterCount(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": total, "entries": entries})
	})

	handle("/workers", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		instances, err := manager.LiveInstances(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, instances)
	})

	return mux
}
