package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// TaskReader: read-only часть хранилища задач, нужная консоли.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*domain.ApprovalTask, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.ApprovalTask, error)
}

// EventReader описывает контракт для чтения данных аудита.
type EventReader interface {
	ListEvents(ctx context.Context, taskID string) ([]audit.Event, error)
}

// TaskView: задача глазами оператора. Сам токен наружу не уходит, только факт его наличия.
type TaskView struct {
	*domain.ApprovalTask
	HasToken bool `json:"hasToken"`
	Stuck    bool `json:"stuck"`
}

type TaskDetails struct {
	TaskView
	Events []audit.Event `json:"events"`
}

type TaskService struct {
	tasks  TaskReader
	events EventReader
}

func NewTaskService(tasks TaskReader, events EventReader) *TaskService {
	return &TaskService{tasks: tasks, events: events}
}

func (s *TaskService) List(ctx context.Context, rawStatus string, stuck bool, limit int) ([]TaskView, error) {
	f := domain.TaskFilter{Stuck: stuck, Limit: limit}
	if rawStatus != "" {
		st, err := domain.ParseStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}

	tasks, err := s.tasks.ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: task_service: list tasks: %w", domain.ErrUpstream, err)
	}

	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	return out, nil
}

func (s *TaskService) Get(ctx context.Context, taskID string) (*TaskDetails, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	details := &TaskDetails{TaskView: viewOf(t), Events: []audit.Event{}}
	if s.events != nil {
		events, err := s.events.ListEvents(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("%w: task_service: list events: %w", domain.ErrUpstream, err)
		}
		if events != nil {
			details.Events = events
		}
	}
	return details, nil
}

func viewOf(t *domain.ApprovalTask) TaskView {
	return TaskView{
		ApprovalTask: t,
		HasToken:     t.HasToken(),
		Stuck:        t.ResumeError != nil,
	}
}
