// Package memory: хранилище задач в памяти процесса с теми же гарантиями,
// что и PostgreSQL: токен выдается ровно одному Resolve. Используется для
// локального запуска (database.driver=memory) и в тестах.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

type TaskStore struct {
	mu        sync.Mutex
	questions map[string]domain.Question
	tasks     map[string]*domain.ApprovalTask
	now       func() time.Time
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		questions: make(map[string]domain.Question),
		tasks:     make(map[string]*domain.ApprovalTask),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *TaskStore) CreateRequest(_ context.Context, q *domain.Question, t *domain.ApprovalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[q.QuestionID]; ok {
		return fmt.Errorf("memory: question %s already exists", q.QuestionID)
	}
	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("memory: task %s already exists", t.TaskID)
	}

	now := s.now()
	q.CreatedAt = now
	t.Status = domain.StatusPending
	t.TaskToken = nil
	t.CreatedAt, t.UpdatedAt = now, now

	s.questions[q.QuestionID] = *q
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *TaskStore) GetToken(_ context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.StatusPending || !t.HasToken() {
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return *t.TaskToken, nil
}

func (s *TaskStore) SetToken(_ context.Context, taskID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return false, fmt.Errorf("%w: task %s is %s", domain.ErrTaskClosed, taskID, t.Status)
	}
	changed := t.TaskToken == nil || *t.TaskToken != token
	tok := token
	t.TaskToken = &tok
	t.UpdatedAt = s.now()
	return changed, nil
}

func (s *TaskStore) Resolve(_ context.Context, taskID string, status domain.ApprovalStatus, comments string) (string, error) {
	if err := domain.CanTransition(domain.StatusPending, status); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.StatusPending || !t.HasToken() {
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	token := *t.TaskToken
	t.TaskToken = nil
	t.Status = status
	t.Comments = comments
	t.UpdatedAt = s.now()
	return token, nil
}

func (s *TaskStore) UpdateStatus(_ context.Context, taskID string, status domain.ApprovalStatus, comments string) error {
	if err := domain.CanTransition(domain.StatusPending, status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err := domain.CanTransition(t.Status, status); err != nil {
		return err
	}
	t.Status = status
	t.TaskToken = nil
	if comments != "" {
		t.Comments = comments
	}
	t.UpdatedAt = s.now()
	return nil
}

func (s *TaskStore) MarkResumeFailed(_ context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	r := reason
	t.ResumeError = &r
	t.UpdatedAt = s.now()
	return nil
}

func (s *TaskStore) SetExecutionRef(_ context.Context, taskID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	t.ExecutionRef = ref
	t.UpdatedAt = s.now()
	return nil
}

func (s *TaskStore) GetTask(_ context.Context, taskID string) (*domain.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return cloneTask(t), nil
}

func (s *TaskStore) ListTasks(_ context.Context, f domain.TaskFilter) ([]*domain.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*domain.ApprovalTask, 0)
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Stuck && t.ResumeError == nil {
			continue
		}
		results = append(results, cloneTask(t))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Question возвращает вопрос по id. Нужен тестам для проверки атомарности приема.
func (s *TaskStore) Question(questionID string) (domain.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	return q, ok
}

// Len возвращает количество задач.
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func cloneTask(t *domain.ApprovalTask) *domain.ApprovalTask {
	cp := *t
	if t.TaskToken != nil {
		tok := *t.TaskToken
		cp.TaskToken = &tok
	}
	if t.ResumeError != nil {
		r := *t.ResumeError
		cp.ResumeError = &r
	}
	return &cp
}
