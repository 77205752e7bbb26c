package connectors

/*
Файл temporal.go: адаптер оркестратора поверх Temporal.

Пауза исполнения это активити с асинхронным завершением: она отдает свой
task token в очередь и возвращает activity.ErrResultPending. Токен в очереди
и в базе лежит base64 от байтового токена Temporal. Решение завершает активити
через CompleteActivity: успехом (APPROVE) или ApplicationError (REJECT).
*/

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// temporalAPI: узкий срез клиента Temporal, нужный адаптеру.
type temporalAPI interface {
	Start(ctx context.Context, opts client.StartWorkflowOptions, workflow string, input json.RawMessage) (runID string, err error)
	Complete(ctx context.Context, token []byte, result interface{}, err error) error
}

type sdkAPI struct {
	c client.Client
}

func (s sdkAPI) Start(ctx context.Context, opts client.StartWorkflowOptions, workflow string, input json.RawMessage) (string, error) {
	run, err := s.c.ExecuteWorkflow(ctx, opts, workflow, input)
	if err != nil {
		return "", err
	}
	return run.GetRunID(), nil
}

func (s sdkAPI) Complete(ctx context.Context, token []byte, result interface{}, err error) error {
	return s.c.CompleteActivity(ctx, token, result, err)
}

type TemporalConfig struct {
	TaskQueue string
	// ExecutionTimeout ограничивает все исполнение, включая ожидание решения
	ExecutionTimeout time.Duration
}

type TemporalOrchestrator struct {
	api temporalAPI
	cfg TemporalConfig
}

func NewTemporalOrchestrator(c client.Client, cfg TemporalConfig) *TemporalOrchestrator {
	return &TemporalOrchestrator{api: sdkAPI{c: c}, cfg: cfg}
}

// EncodeTaskToken переводит токен активити в строку для очереди и базы.
func EncodeTaskToken(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// TemporalTokenCodec: структурная проверка токена без клиента (нужна регистратору).
type TemporalTokenCodec struct{}

// Decode: токен должен быть корректным base64.
func (o *TemporalOrchestrator) Decode(token string) ([]byte, error) {
	return TemporalTokenCodec{}.Decode(token)
}

func (TemporalTokenCodec) Decode(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("token is not valid base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("token is empty")
	}
	return raw, nil
}

// StartExecution запускает исполнение с фиксированным ID. Повторный запуск с
// тем же ID, пока исполнение идет, возвращает уже запущенное.
func (o *TemporalOrchestrator) StartExecution(ctx context.Context, definitionRef, executionName string, input []byte) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:                       executionName,
		TaskQueue:                o.cfg.TaskQueue,
		WorkflowExecutionTimeout: o.cfg.ExecutionTimeout,
	}
	if _, err := o.api.Start(ctx, opts, definitionRef, json.RawMessage(input)); err != nil {
		return "", mapTemporalError("start workflow", err)
	}
	return executionName, nil
}

func (o *TemporalOrchestrator) SendTaskSuccess(ctx context.Context, token string, output []byte) error {
	raw, err := o.Decode(token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if err := o.api.Complete(ctx, raw, json.RawMessage(output), nil); err != nil {
		return mapTemporalError("complete activity", err)
	}
	return nil
}

func (o *TemporalOrchestrator) SendTaskFailure(ctx context.Context, token, errorCode string, cause []byte) error {
	raw, err := o.Decode(token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	appErr := temporal.NewApplicationError(errorCode, errorCode, json.RawMessage(cause))
	if err := o.api.Complete(ctx, raw, nil, appErr); err != nil {
		return mapTemporalError("fail activity", err)
	}
	return nil
}

func mapTemporalError(op string, err error) error {
	var (
		invalid   *serviceerror.InvalidArgument
		exhausted *serviceerror.ResourceExhausted
		notFound  *serviceerror.NotFound
	)
	switch {
	case errors.As(err, &invalid):
		return fmt.Errorf("%w: temporal %s: %v", domain.ErrInvalidToken, op, err)
	case errors.As(err, &exhausted):
		return &ThrottleError{RetryAfter: time.Second, Cause: fmt.Errorf("temporal %s: %w", op, err)}
	case errors.As(err, &notFound):
		// Активити уже завершена или исполнение закрыто по таймауту
		return fmt.Errorf("temporal %s: %w: %v", op, ErrTokenUsed, err)
	default:
		return fmt.Errorf("temporal %s: %w", op, err)
	}
}
