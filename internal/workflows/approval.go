// Package workflows: эталонное исполнение, которое встает на паузу и ждет
// решения человека. Нужен воркеру, чтобы было что возобновлять.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

const (
	WorkflowName = "ApprovalWorkflow"

	DefaultDecisionTimeout = 72 * time.Hour
)

// Outcome: итог исполнения.
type Outcome struct {
	TaskID   string                `json:"taskId"`
	Status   domain.ApprovalStatus `json:"status"`
	Decision domain.Decision       `json:"decision,omitempty"`
	Comments string                `json:"comments,omitempty"`
}

type ApprovalWorkflow struct {
	// Сколько исполнение ждет решения, прежде чем задача станет TIMED_OUT
	DecisionTimeout time.Duration
}

func (w *ApprovalWorkflow) Run(ctx workflow.Context, input domain.ExecutionInput) (*Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("approval workflow started", "taskID", input.TaskID)

	timeout := w.DecisionTimeout
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}

	// Одна попытка: повтор активити выпустил бы новый токен
	waitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var a *Activities
	var decision domain.DecisionPayload
	err := workflow.ExecuteActivity(waitCtx, a.RequestApproval, input).Get(ctx, &decision)
	if err == nil {
		logger.Info("approval granted", "taskID", input.TaskID)
		return &Outcome{
			TaskID:   input.TaskID,
			Status:   domain.StatusApproved,
			Decision: domain.DecisionApprove,
			Comments: decision.Comments,
		}, nil
	}

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == "Rejected" {
		var cause domain.DecisionPayload
		if appErr.HasDetails() {
			_ = appErr.Details(&cause)
		}
		logger.Info("approval rejected", "taskID", input.TaskID)
		return &Outcome{
			TaskID:   input.TaskID,
			Status:   domain.StatusRejected,
			Decision: domain.DecisionReject,
			Comments: cause.Comments,
		}, nil
	}

	status := domain.StatusFailed
	if temporal.IsTimeoutError(err) {
		status = domain.StatusTimedOut
	}
	logger.Warn("approval not granted", "taskID", input.TaskID, "status", status, "error", err)

	finalizeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    5,
		},
	})
	if ferr := workflow.ExecuteActivity(finalizeCtx, a.FinalizeTask, input.TaskID, status, err.Error()).Get(ctx, nil); ferr != nil {
		logger.Error("failed to finalize task", "taskID", input.TaskID, "error", ferr)
		return nil, ferr
	}

	return &Outcome{TaskID: input.TaskID, Status: status}, nil
}
