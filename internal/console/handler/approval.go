package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"go.uber.org/zap"
)

// maxBodyBytes: с запасом на content до 64 KiB.
const maxBodyBytes = 1 << 20

var errEmptyBody = fmt.Errorf("%w: request body is empty", domain.ErrValidation)

// IntakeService Описываем, что нам нужно от приема запросов
type IntakeService interface {
	Submit(ctx context.Context, req engine.IntakeRequest) (*engine.IntakeResult, error)
}

// DecisionService: резолвер решений и статусов оркестратора
type DecisionService interface {
	Decide(ctx context.Context, taskID, rawDecision, comments string) (*engine.DecisionResult, error)
	UpdateStatus(ctx context.Context, taskID, rawStatus, comments string) (domain.ApprovalStatus, error)
}

// ApprovalHandler: публичная поверхность: прием запросов и решения проверяющих.
type ApprovalHandler struct {
	intake    IntakeService
	decisions DecisionService
	logger    *zap.Logger
}

func NewApprovalHandler(intake IntakeService, decisions DecisionService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{intake: intake, decisions: decisions, logger: logger.Named("approval-handler")}
}

// Create — POST /requests
func (h *ApprovalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req engine.IntakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.intake.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type decideRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

type decideResponse struct {
	Status   string          `json:"status"`
	TaskID   string          `json:"taskId"`
	Decision domain.Decision `json:"decision"`
}

// Decide — GET|POST /requests/{taskId}/decision?decision=APPROVE|REJECT&comments=...
// Ссылки из уведомлений открываются GET-ом, поэтому решение читается из query.
// POST может дополнительно нести JSON тело; query имеет приоритет.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	q := r.URL.Query()
	req := decideRequest{Decision: q.Get("decision"), Comments: q.Get("comments")}

	if r.Method == http.MethodPost {
		var body decideRequest
		// Тело необязательно: ссылку можно отправить и пустым POST
		if err := decodeBody(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
			writeError(w, err)
			return
		}
		if req.Decision == "" {
			req.Decision = body.Decision
		}
		if req.Comments == "" {
			req.Comments = body.Comments
		}
	}

	res, err := h.decisions.Decide(r.Context(), taskID, req.Decision, req.Comments)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("decision failed",
				zap.String("task_id", taskID),
				zap.String("decision", req.Decision),
				zap.String("trace_id", engine.TraceID(r.Context())),
				zap.Error(err),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decideResponse{Status: "ok", TaskID: res.TaskID, Decision: res.Decision})
}

type statusRequest struct {
	Status   string `json:"status"`
	Comments string `json:"comments"`
}

type statusResponse struct {
	Status    string                `json:"status"`
	TaskID    string                `json:"taskId"`
	StatusSet domain.ApprovalStatus `json:"statusSet"`
}

// UpdateStatus — POST /requests/{taskId}/status {status, comments}
func (h *ApprovalHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	st, err := h.decisions.UpdateStatus(r.Context(), taskID, req.Status, req.Comments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated", TaskID: taskID, StatusSet: st})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: invalid request body: %s", domain.ErrValidation, strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
