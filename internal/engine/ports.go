package engine

import (
	"context"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// TaskStore — хранилище задач. Реализации: repository/postgres и repository/memory.
// Все операции по одной задаче сериализуются хранилищем, блокировки поверх
// сетевых вызовов не держатся.
type TaskStore interface {
	CreateRequest(ctx context.Context, q *domain.Question, t *domain.ApprovalTask) error
	GetToken(ctx context.Context, taskID string) (string, error)
	SetToken(ctx context.Context, taskID, token string) (changed bool, err error)
	Resolve(ctx context.Context, taskID string, status domain.ApprovalStatus, comments string) (token string, err error)
	UpdateStatus(ctx context.Context, taskID string, status domain.ApprovalStatus, comments string) error
	MarkResumeFailed(ctx context.Context, taskID, reason string) error
	SetExecutionRef(ctx context.Context, taskID, ref string) error
	GetTask(ctx context.Context, taskID string) (*domain.ApprovalTask, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.ApprovalTask, error)
}

// Orchestrator — внешний движок долговременных исполнений.
type Orchestrator interface {
	StartExecution(ctx context.Context, definitionRef, executionName string, input []byte) (executionRef string, err error)
	SendTaskSuccess(ctx context.Context, token string, output []byte) error
	SendTaskFailure(ctx context.Context, token, errorCode string, cause []byte) error
}

// TokenCodec: структурная проверка токена конкретным оркестратором.
type TokenCodec interface {
	Decode(token string) ([]byte, error)
}

// Notification содержит то, что нужно проверяющему, чтобы принять решение.
type Notification struct {
	TaskID        string
	AssessorEmail string
	Title         string
}

// Notifier работает по принципу fire-and-forget: ошибки логируются внутри.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
