// Package http exposes the delegation engine over REST, SSE, and WebSocket.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"trellis/internal/logging"
	"trellis/internal/server/app"
	"trellis/internal/task"
)

const maxDelegateBodySize = 1 << 20 // 1 MiB

// APIHandler handles the REST task endpoints.
type APIHandler struct {
	coordinator *app.Coordinator
	logger      logging.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(coordinator *app.Coordinator) *APIHandler {
	return &APIHandler{
		coordinator: coordinator,
		logger:      logging.NewComponentLogger("APIHandler"),
	}
}

// DelegateResponse is returned from POST /api/tasks.
type DelegateResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// HandleTasks routes /api/tasks by method: POST delegates a new task, GET
// lists active tasks (include_completed=true adds terminal ones).
func (h *APIHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleDelegate(w, r)
	case http.MethodGet:
		includeCompleted := r.URL.Query().Get("include_completed") == "true"
		writeJSON(w, http.StatusOK, h.coordinator.Registry().ListActive(includeCompleted))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxDelegateBodySize)
	defer body.Close()

	var req app.DelegateRequest

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			http.Error(w, "Request body is empty", http.StatusBadRequest)
		case errors.As(err, &syntaxErr):
			http.Error(w, fmt.Sprintf("Invalid JSON at position %d", syntaxErr.Offset), http.StatusBadRequest)
		case errors.As(err, &typeErr):
			http.Error(w, fmt.Sprintf("Invalid value for field '%s'", typeErr.Field), http.StatusBadRequest)
		case errors.As(err, &maxBytesErr):
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		default:
			http.Error(w, "Invalid request body", http.StatusBadRequest)
		}
		return
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "Request body must contain a single JSON object", http.StatusBadRequest)
		return
	}

	t, err := h.coordinator.Delegate(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("Task delegated: taskID=%s, sessionID=%s", t.ID, t.SessionID)
	writeJSON(w, http.StatusCreated, DelegateResponse{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Status:    string(t.Status),
	})
}

// HandleRecentTasks handles GET /api/tasks/recent?limit=N.
func (h *APIHandler) HandleRecentTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, h.coordinator.Registry().ListRecent(limit))
}

// UpdateTaskRequest is the PATCH body for finishing a task from outside the
// engine. Only terminal statuses are accepted.
type UpdateTaskRequest struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// HandleTaskByID routes /api/tasks/{session_id}: GET fetches one task, PATCH
// writes a terminal status and summary, DELETE removes a finished task.
func (h *APIHandler) HandleTaskByID(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/tasks/"))
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		t := h.coordinator.Registry().Get(sessionID)
		if t == nil {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)

	case http.MethodPatch:
		h.handleUpdate(w, r, sessionID)

	case http.MethodDelete:
		t := h.coordinator.Registry().Get(sessionID)
		if t == nil {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if !t.Status.IsTerminal() {
			http.Error(w, "Task is still running", http.StatusConflict)
			return
		}
		h.coordinator.Registry().Delete(sessionID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleUpdate(w http.ResponseWriter, r *http.Request, sessionID string) {
	body := http.MaxBytesReader(w, r.Body, maxDelegateBodySize)
	defer body.Close()

	var req UpdateTaskRequest
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status := task.Status(req.Status)
	if !status.IsTerminal() {
		http.Error(w, "status must be \"completed\" or \"failed\"", http.StatusBadRequest)
		return
	}

	t := h.coordinator.Registry().Get(sessionID)
	if t == nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if t.Status.IsTerminal() {
		http.Error(w, "Task already finished", http.StatusConflict)
		return
	}

	updated := h.coordinator.Registry().Complete(sessionID, req.Summary, status)
	if updated == nil {
		// Lost the race against the worker's own terminal write.
		http.Error(w, "Task already finished", http.StatusConflict)
		return
	}

	h.logger.Info("Task %s updated to %s via API", updated.ID, status)
	writeJSON(w, http.StatusOK, updated)
}

// HandleHealth handles GET /health.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active := h.coordinator.Registry().ListActive(false)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_tasks": len(active),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
