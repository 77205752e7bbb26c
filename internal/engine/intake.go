package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"go.uber.org/zap"
)

// ExecutionNamePrefix задает имя исполнения approval-<uuid>.
const ExecutionNamePrefix = "approval-"

type IntakeRequest struct {
	Title         string `json:"title" validate:"required,max=512"`
	Content       string `json:"content" validate:"max=65536"`
	AssessorEmail string `json:"assessorEmail" validate:"required,email"`
}

type IntakeResult struct {
	TaskID        string `json:"taskId"`
	QuestionID    string `json:"questionId"`
	AssessorEmail string `json:"assessorEmail"`
	Title         string `json:"title"`
	ExecutionID   string `json:"executionId,omitempty"`
}

type IntakeConfig struct {
	StartExecution bool
	DefinitionRef  string
}

// Intake создает задачу и (опционально) запускает исполнение, которое будет ее ждать.
type Intake struct {
	store    TaskStore
	orch     Orchestrator
	cfg      IntakeConfig
	validate *validator.Validate
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
	newID    func() string
}

func NewIntake(store TaskStore, orch Orchestrator, cfg IntakeConfig, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Intake {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// В ошибках валидации имена полей как в JSON
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Intake{
		store:    store,
		orch:     orch,
		cfg:      cfg,
		validate: v,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("intake"),
		newID:    uuid.NewString,
	}
}

func (s *Intake) Submit(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.AssessorEmail = strings.TrimSpace(req.AssessorEmail)

	// 1. Валидация до любой записи
	if err := s.validate.Struct(req); err != nil {
		s.metrics.IntakeRequests.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, describeValidation(err))
	}

	// 2. Вопрос и задача одной транзакцией
	q := &domain.Question{QuestionID: s.newID(), Title: req.Title, Content: req.Content}
	task := &domain.ApprovalTask{
		TaskID:        s.newID(),
		QuestionID:    q.QuestionID,
		AssessorEmail: req.AssessorEmail,
		Status:        domain.StatusPending,
	}
	log := s.logger.With(zap.String("task_id", task.TaskID), zap.String("trace_id", TraceID(ctx)))

	if err := s.store.CreateRequest(ctx, q, task); err != nil {
		s.metrics.IntakeRequests.WithLabelValues("store_error").Inc()
		log.Error("failed to create approval request", zap.Error(err))
		return nil, fmt.Errorf("%w: create request: %w", domain.ErrUpstream, err)
	}

	s.auditor.Log(audit.Event{
		TraceID: TraceID(ctx),
		TaskID:  task.TaskID,
		Kind:    audit.KindTaskCreated,
		Status:  string(domain.StatusPending),
		Detail:  map[string]any{"title": req.Title, "assessorEmail": req.AssessorEmail},
	})

	res := &IntakeResult{
		TaskID:        task.TaskID,
		QuestionID:    q.QuestionID,
		AssessorEmail: task.AssessorEmail,
		Title:         q.Title,
	}

	if !s.cfg.StartExecution {
		s.metrics.IntakeRequests.WithLabelValues("created").Inc()
		log.Info("approval request created")
		return res, nil
	}

	// 3. Запуск исполнения. Повторы внутри оркестратора безопасны: имя фиксировано.
	executionID, err := s.startExecution(ctx, task, q)
	if err != nil {
		s.compensate(ctx, log, task.TaskID, err)
		s.metrics.IntakeRequests.WithLabelValues("start_failed").Inc()
		return nil, fmt.Errorf("%w: start execution: %w", domain.ErrUpstream, err)
	}
	res.ExecutionID = executionID

	s.metrics.IntakeRequests.WithLabelValues("started").Inc()
	log.Info("approval request created and execution started", zap.String("execution_id", executionID))
	return res, nil
}

func (s *Intake) startExecution(ctx context.Context, task *domain.ApprovalTask, q *domain.Question) (string, error) {
	input, err := json.Marshal(domain.ExecutionInput{
		TaskID:        task.TaskID,
		QuestionID:    q.QuestionID,
		AssessorEmail: task.AssessorEmail,
		Title:         q.Title,
		Content:       q.Content,
	})
	if err != nil {
		return "", err
	}

	name := ExecutionNamePrefix + s.newID()
	ref, err := s.orch.StartExecution(ctx, s.cfg.DefinitionRef, name, input)
	if err != nil {
		return "", err
	}
	if ref == "" {
		ref = name
	}
	if err := s.store.SetExecutionRef(ctx, task.TaskID, ref); err != nil {
		// Исполнение уже идет: задача жива, теряется только ссылка для консоли
		s.logger.Warn("failed to save execution ref", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	return ref, nil
}

// compensate переводит задачу в FAILED, если исполнение так и не стартовало.
func (s *Intake) compensate(ctx context.Context, log *zap.Logger, taskID string, cause error) {
	log.Error("execution start failed, compensating task to FAILED", zap.Error(cause))

	err := s.store.UpdateStatus(context.WithoutCancel(ctx), taskID, domain.StatusFailed, "execution start failed: "+cause.Error())
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		log.Error("compensation failed", zap.Error(err))
		return
	}
	s.auditor.Log(audit.Event{
		TraceID: TraceID(ctx),
		TaskID:  taskID,
		Kind:    audit.KindIntakeCompensate,
		Status:  string(domain.StatusFailed),
		Detail:  map[string]any{"error": cause.Error()},
	})
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "email":
			parts = append(parts, fe.Field()+" must be a valid email address")
		case "max":
			parts = append(parts, fe.Field()+" is too long")
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}
