package engine

/*
Файл resolver.go: Decision Resolver.

Токен забирается из хранилища одним атомарным оператором, и только после
фиксации идет вызов оркестратора. Отсюда гарантия "не более одного
возобновления": второй конкурентный вызов получает ErrTaskNotFound.
Обратная сторона: если вызов оркестратора упал, токен уже потрачен.
Такой разрыв фиксируется в resume_error, отдельной метрикой и логом.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"go.uber.org/zap"
)

const (
	// RejectedErrorCode: код ошибки, с которым исполнение получает отказ.
	RejectedErrorCode = "Rejected"

	// resumeTimeout ограничивает возобновление после того, как токен потрачен
	resumeTimeout = 30 * time.Second
)

// availability: оркестраторы, умеющие сообщить о своей недоступности заранее.
type availability interface {
	Available() bool
}

type DecisionResult struct {
	TaskID   string                `json:"taskId"`
	Decision domain.Decision       `json:"decision"`
	Status   domain.ApprovalStatus `json:"status"`
}

type Resolver struct {
	store   TaskStore
	orch    Orchestrator
	tokens  *TokenValidator
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger
}

func NewResolver(store TaskStore, orch Orchestrator, tokens *TokenValidator, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Resolver {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		store:   store,
		orch:    orch,
		tokens:  tokens,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("resolver"),
	}
}

// Decide применяет решение человека к задаче.
func (r *Resolver) Decide(ctx context.Context, taskID, rawDecision, comments string) (*DecisionResult, error) {
	taskID = strings.TrimSpace(taskID)

	// 1. Валидация до любых изменений в хранилище
	decision, err := domain.ParseDecision(rawDecision)
	if err != nil {
		r.metrics.Decisions.WithLabelValues("invalid", "validation").Inc()
		return nil, err
	}
	if taskID == "" {
		r.metrics.Decisions.WithLabelValues(string(decision), "validation").Inc()
		return nil, fmt.Errorf("%w: taskId is required", domain.ErrValidation)
	}

	log := r.logger.With(
		zap.String("task_id", taskID),
		zap.String("decision", string(decision)),
		zap.String("trace_id", TraceID(ctx)),
	)

	// 2. Не тратим токен, если заранее известно, что оркестратор недоступен
	if a, ok := r.orch.(availability); ok && !a.Available() {
		r.metrics.Decisions.WithLabelValues(string(decision), "upstream").Inc()
		log.Warn("orchestrator unavailable, decision rejected before consuming token")
		return nil, fmt.Errorf("%w: orchestrator unavailable", domain.ErrUpstream)
	}

	// 3. Атомарно забираем токен и закрываем задачу
	status := decision.Status()
	token, err := r.store.Resolve(ctx, taskID, status, comments)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			r.metrics.Decisions.WithLabelValues(string(decision), "not_found").Inc()
			log.Info("no live token for task")
			return nil, err
		}
		r.metrics.Decisions.WithLabelValues(string(decision), "upstream").Inc()
		log.Error("failed to resolve task in store", zap.Error(err))
		return nil, fmt.Errorf("%w: resolve task: %w", domain.ErrUpstream, err)
	}

	// 4. Структурная проверка токена
	if err := r.tokens.Validate(token); err != nil {
		r.metrics.Decisions.WithLabelValues(string(decision), "invalid_token").Inc()
		r.markStuck(ctx, log, taskID, decision, err)
		return nil, err
	}

	// 5. Возобновляем исполнение. Без внутренних повторов.
	payload, err := json.Marshal(domain.DecisionPayload{TaskID: taskID, Decision: decision, Comments: comments})
	if err != nil {
		return nil, fmt.Errorf("%w: encode decision payload: %w", domain.ErrUpstream, err)
	}

	// Токен уже потрачен: отключившийся клиент не должен оборвать возобновление
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
	defer cancel()

	if decision == domain.DecisionApprove {
		err = r.orch.SendTaskSuccess(sendCtx, token, payload)
	} else {
		err = r.orch.SendTaskFailure(sendCtx, token, RejectedErrorCode, payload)
	}
	if err != nil {
		r.markStuck(ctx, log, taskID, decision, err)
		if errors.Is(err, domain.ErrInvalidToken) {
			r.metrics.Decisions.WithLabelValues(string(decision), "invalid_token").Inc()
			return nil, err
		}
		r.metrics.Decisions.WithLabelValues(string(decision), "upstream").Inc()
		return nil, fmt.Errorf("%w: resume execution: %w", domain.ErrUpstream, err)
	}

	r.metrics.Decisions.WithLabelValues(string(decision), "ok").Inc()
	r.auditor.Log(audit.Event{
		TraceID:  TraceID(ctx),
		TaskID:   taskID,
		Kind:     audit.KindDecisionApplied,
		Status:   string(status),
		Decision: string(decision),
		Detail:   map[string]any{"comments": comments},
	})
	log.Info("decision applied", zap.String("status", string(status)))

	return &DecisionResult{TaskID: taskID, Decision: decision, Status: status}, nil
}

// markStuck фиксирует задачу, чей токен потрачен, а исполнение не возобновлено.
func (r *Resolver) markStuck(ctx context.Context, log *zap.Logger, taskID string, decision domain.Decision, cause error) {
	r.metrics.StuckTasks.Inc()
	log.Error("stuck task: token consumed but execution not resumed", zap.Error(cause))

	// Контекст запроса мог уже истечь, а запись о разрыве нужна в любом случае
	if err := r.store.MarkResumeFailed(context.WithoutCancel(ctx), taskID, cause.Error()); err != nil {
		log.Error("failed to record resume failure", zap.Error(err))
	}

	r.auditor.Log(audit.Event{
		TraceID:  TraceID(ctx),
		TaskID:   taskID,
		Kind:     audit.KindResumeFailed,
		Status:   string(decision.Status()),
		Decision: string(decision),
		Detail:   map[string]any{"error": cause.Error()},
	})
}

// UpdateStatus применяет исходы, пришедшие от оркестратора: TIMED_OUT или FAILED.
// APPROVED и REJECTED достижимы только через Decide.
func (r *Resolver) UpdateStatus(ctx context.Context, taskID, rawStatus, comments string) (domain.ApprovalStatus, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: taskId is required", domain.ErrValidation)
	}
	status, err := domain.ParseStatus(rawStatus)
	if err != nil {
		return "", err
	}
	if status != domain.StatusTimedOut && status != domain.StatusFailed {
		return "", fmt.Errorf("%w: status must be TIMED_OUT or FAILED", domain.ErrValidation)
	}

	log := r.logger.With(zap.String("task_id", taskID), zap.String("status", string(status)))

	if err := r.store.UpdateStatus(ctx, taskID, status, comments); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("status update rejected", zap.Error(err))
			return "", err
		}
		log.Error("failed to update task status", zap.Error(err))
		return "", fmt.Errorf("%w: update status: %w", domain.ErrUpstream, err)
	}

	r.auditor.Log(audit.Event{
		TraceID: TraceID(ctx),
		TaskID:  taskID,
		Kind:    audit.KindStatusUpdated,
		Status:  string(status),
		Detail:  map[string]any{"comments": comments},
	})
	log.Info("task status updated")
	return status, nil
}
