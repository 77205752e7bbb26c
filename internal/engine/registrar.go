package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"go.uber.org/zap"
)

// Message: сообщение очереди в транспортно-независимом виде.
type Message struct {
	ID   string
	Body []byte
}

// BatchResult содержит идентификаторы сообщений, которые нужно доставить повторно.
// Остальные сообщения пачки считаются обработанными.
type BatchResult struct {
	Failures []string
}

// Registrar связывает токены приостановленных исполнений с задачами.
type Registrar struct {
	store    TaskStore
	tokens   *TokenValidator
	notifier Notifier
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
}

func NewRegistrar(store TaskStore, tokens *TokenValidator, notifier Notifier, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Registrar {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registrar{
		store:    store,
		tokens:   tokens,
		notifier: notifier,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("registrar"),
	}
}

// ProcessBatch обрабатывает сообщения независимо: сбой одного не влияет на остальные.
func (r *Registrar) ProcessBatch(ctx context.Context, msgs []Message) BatchResult {
	var res BatchResult
	for _, m := range msgs {
		log := r.logger.With(zap.String("message_id", m.ID))

		msg, err := domain.DecodeTokenMessage(m.Body)
		if err != nil {
			r.metrics.TokenMessages.WithLabelValues("malformed").Inc()
			log.Warn("malformed token message", zap.Error(err))
			res.Failures = append(res.Failures, m.ID)
			continue
		}

		if err := r.Register(ctx, msg); err != nil {
			log.Warn("token registration failed", zap.String("task_id", msg.TaskID), zap.Error(err))
			res.Failures = append(res.Failures, m.ID)
		}
	}
	return res
}

// Register сохраняет токен и уведомляет проверяющего, если токен новый.
// Повторная доставка того же токена уведомления не шлет.
func (r *Registrar) Register(ctx context.Context, msg *domain.TokenMessage) error {
	log := r.logger.With(zap.String("task_id", msg.TaskID))

	if err := r.tokens.Validate(msg.TaskToken); err != nil {
		r.metrics.TokenMessages.WithLabelValues("invalid_token").Inc()
		return err
	}

	changed, err := r.store.SetToken(ctx, msg.TaskID, msg.TaskToken)
	switch {
	case errors.Is(err, domain.ErrTaskClosed):
		// Поздняя доставка после решения: подтверждаем, иначе сообщение будет крутиться вечно
		r.metrics.TokenMessages.WithLabelValues("closed").Inc()
		log.Warn("token arrived for closed task, acknowledging", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrTaskNotFound):
		r.metrics.TokenMessages.WithLabelValues("not_found").Inc()
		return err
	case err != nil:
		r.metrics.TokenMessages.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: set token: %w", domain.ErrUpstream, err)
	}

	if !changed {
		r.metrics.TokenMessages.WithLabelValues("duplicate").Inc()
		log.Debug("token already registered, skipping notification")
		return nil
	}

	r.metrics.TokenMessages.WithLabelValues("registered").Inc()
	r.auditor.Log(audit.Event{
		TraceID: TraceID(ctx),
		TaskID:  msg.TaskID,
		Kind:    audit.KindTokenRegistered,
		Status:  string(domain.StatusPending),
	})

	n := Notification{TaskID: msg.TaskID, AssessorEmail: msg.AssessorEmail, Title: msg.Title}
	if n.AssessorEmail == "" {
		// Продюсер не передал адресата: берем из задачи
		if task, err := r.store.GetTask(ctx, msg.TaskID); err == nil {
			n.AssessorEmail = task.AssessorEmail
		}
	}
	r.notifier.Notify(ctx, n)

	log.Info("token registered")
	return nil
}
