package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-approvals/internal/console/service"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// TaskQueries: то, что консоли нужно от сервиса задач
type TaskQueries interface {
	List(ctx context.Context, rawStatus string, stuck bool, limit int) ([]service.TaskView, error)
	Get(ctx context.Context, taskID string) (*service.TaskDetails, error)
}

type TasksHandler struct {
	service TaskQueries
}

func NewTasksHandler(s TaskQueries) *TasksHandler {
	return &TasksHandler{service: s}
}

// List — GET /v1/tasks?status=...&stuck=true&limit=...
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stuck, err := parseBool(q.Get("stuck"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrValidation))
			return
		}
	}

	list, err := h.service.List(r.Context(), q.Get("status"), stuck, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get — GET /v1/tasks/{id}, вместе с историей событий аудита
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", domain.ErrValidation, raw)
	}
	return v, nil
}
