package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"omnidesk/internal/apperr"
	"omnidesk/internal/dispatch"
)

// DispatchAdmin is the part of dispatch.Manager exposed over HTTP.
type DispatchAdmin interface {
	PendingCount() int
	Settings() dispatch.Options
	Task(id string) (dispatch.Task, bool)
	Tasks(kind string, limit int) ([]dispatch.Task, int)
	RetryAll() int
	ForceRetry(id string) error
}

type DispatchHandler struct {
	manager DispatchAdmin
}

func NewDispatchHandler(manager DispatchAdmin) *DispatchHandler {
	return &DispatchHandler{manager: manager}
}

// Status reports queue depth and retry settings.
func (h *DispatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	opts := h.manager.Settings()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":           "running",
		"pending_tasks":    h.manager.PendingCount(),
		"max_retries":      opts.MaxRetries,
		"timeout_ms":       opts.Timeout.Milliseconds(),
		"retry_backoff_ms": opts.RetryBackoff.Milliseconds(),
	})
}

// Tasks lists tracked tasks, optionally filtered by kind.
func (h *DispatchHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, total := h.manager.Tasks(kind, limit)
	respondWithJSON(w, http.StatusOK, map[string]any{
		"total":       total,
		"shown_count": len(tasks),
		"tasks":       tasks,
	})
}

func (h *DispatchHandler) Task(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["taskId"]
	task, ok := h.manager.Task(id)
	if !ok {
		respondWithJSON(w, http.StatusNotFound, errorBody{Error: "task not found", Code: string(apperr.KindNotFound)})
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

// Retry retries one task when taskId is present, otherwise every failed task.
func (h *DispatchHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["taskId"]
	if id == "" {
		n := h.manager.RetryAll()
		log.Info().Int("count", n).Msg("Manual retry triggered for all tasks")
		respondWithJSON(w, http.StatusOK, map[string]any{"retried": n})
		return
	}

	if err := h.manager.ForceRetry(id); err != nil {
		if errors.Is(err, dispatch.ErrTaskNotFound) {
			respondWithJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: string(apperr.KindNotFound)})
			return
		}
		respondWithJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Code: string(apperr.KindInternal)})
		return
	}
	log.Info().Str("taskId", id).Msg("Manual retry triggered")
	respondWithJSON(w, http.StatusOK, map[string]any{"retried": 1, "task_id": id})
}
