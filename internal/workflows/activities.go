package workflows

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// TokenPublisher: очередь, из которой регистратор забирает токены.
type TokenPublisher interface {
	Publish(ctx context.Context, msg domain.TokenMessage) (string, error)
}

// StatusUpdater применяет исходы оркестратора (TIMED_OUT, FAILED) по общим правилам переходов.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, taskID, rawStatus, comments string) (domain.ApprovalStatus, error)
}

// TaskReader нужен, чтобы показать, почему задача уже закрыта.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*domain.ApprovalTask, error)
}

type Activities struct {
	Publisher TokenPublisher
	Statuses  StatusUpdater
	Tasks     TaskReader
	Logger    *zap.Logger
}

// RequestApproval публикует токен активити и оставляет ее незавершенной.
// Завершит ее резолвер через CompleteActivity.
func (a *Activities) RequestApproval(ctx context.Context, input domain.ExecutionInput) (*domain.DecisionPayload, error) {
	info := activity.GetInfo(ctx)
	msg := domain.TokenMessage{
		TaskID:        input.TaskID,
		AssessorEmail: input.AssessorEmail,
		Title:         input.Title,
		TaskToken:     connectors.EncodeTaskToken(info.TaskToken),
	}

	id, err := a.Publisher.Publish(ctx, msg)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("task token published, waiting for decision",
		zap.String("task_id", input.TaskID),
		zap.String("message_id", id),
		zap.String("workflow_id", info.WorkflowExecution.ID),
	)
	return nil, activity.ErrResultPending
}

// FinalizeTask переводит задачу в TIMED_OUT или FAILED. Если задача уже
// закрыта решением, делать нечего.
func (a *Activities) FinalizeTask(ctx context.Context, taskID string, status domain.ApprovalStatus, reason string) error {
	_, err := a.Statuses.UpdateStatus(ctx, taskID, string(status), reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		a.closedSkip(ctx, taskID, status, err)
		return nil
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrValidation):
		return temporal.NewNonRetryableApplicationError(err.Error(), "FinalizeRejected", err)
	default:
		return err
	}
}

// closedSkip: задача закрыта раньше, чем исполнение получило исход. Если
// решение не дошло до оркестратора (resume_error), записи расходятся.
func (a *Activities) closedSkip(ctx context.Context, taskID string, outcome domain.ApprovalStatus, cause error) {
	fields := []zap.Field{
		zap.String("task_id", taskID),
		zap.String("outcome", string(outcome)),
		zap.Error(cause),
	}
	if a.Tasks == nil {
		a.Logger.Warn("task already closed, finalize skipped", fields...)
		return
	}

	task, err := a.Tasks.GetTask(ctx, taskID)
	if err != nil {
		a.Logger.Warn("task already closed, finalize skipped", append(fields, zap.NamedError("lookup_error", err))...)
		return
	}
	fields = append(fields, zap.String("task_status", string(task.Status)))
	if task.ResumeError != nil {
		a.Logger.Warn("task closed by a decision that never reached the execution, finalize skipped",
			append(fields, zap.String("resume_error", *task.ResumeError))...)
		return
	}
	a.Logger.Warn("task already closed, finalize skipped", fields...)
}
