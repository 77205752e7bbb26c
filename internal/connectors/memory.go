package connectors

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

// Completion: записанный сигнал возобновления.
type Completion struct {
	Token     string
	Success   bool
	ErrorCode string
	Payload   []byte
}

// Execution: записанный запуск исполнения.
type Execution struct {
	DefinitionRef string
	Name          string
	Input         []byte
	Token         string
}

// PauseHook получает токен, как его получила бы очередь от приостановленного исполнения.
type PauseHook func(ctx context.Context, msg domain.TokenMessage)

// MemoryOrchestrator: оркестратор в памяти для локального запуска и тестов.
// Токены одноразовые: повторное завершение по тому же токену дает ошибку.
type MemoryOrchestrator struct {
	mu          sync.Mutex
	executions  map[string]Execution
	completions []Completion
	used        map[string]bool
	failWith    error
	onPause     PauseHook
}

func NewMemoryOrchestrator() *MemoryOrchestrator {
	return &MemoryOrchestrator{
		executions: make(map[string]Execution),
		used:       make(map[string]bool),
	}
}

// WithPauseHook: каждый StartExecution сразу "приостанавливается" и отдает токен в hook.
func (m *MemoryOrchestrator) WithPauseHook(h PauseHook) *MemoryOrchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPause = h
	return m
}

// FailWith заставляет все последующие вызовы завершаться ошибкой (nil снимает).
func (m *MemoryOrchestrator) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryOrchestrator) StartExecution(ctx context.Context, definitionRef, executionName string, input []byte) (string, error) {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return "", err
	}
	// Запуск с тем же именем идемпотентен
	if _, ok := m.executions[executionName]; ok {
		m.mu.Unlock()
		return executionName, nil
	}

	token, err := newMemoryToken()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.executions[executionName] = Execution{
		DefinitionRef: definitionRef,
		Name:          executionName,
		Input:         append([]byte(nil), input...),
		Token:         token,
	}
	hook := m.onPause
	m.mu.Unlock()

	if hook != nil {
		var in domain.ExecutionInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("%w: execution input: %v", domain.ErrValidation, err)
		}
		hook(ctx, domain.TokenMessage{
			TaskID:        in.TaskID,
			AssessorEmail: in.AssessorEmail,
			Title:         in.Title,
			TaskToken:     token,
		})
	}
	return executionName, nil
}

func (m *MemoryOrchestrator) SendTaskSuccess(_ context.Context, token string, output []byte) error {
	return m.complete(Completion{Token: token, Success: true, Payload: output})
}

func (m *MemoryOrchestrator) SendTaskFailure(_ context.Context, token, errorCode string, cause []byte) error {
	return m.complete(Completion{Token: token, ErrorCode: errorCode, Payload: cause})
}

func (m *MemoryOrchestrator) complete(c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	if m.used[c.Token] {
		return fmt.Errorf("%w: %s", ErrTokenUsed, c.Token)
	}
	m.used[c.Token] = true
	c.Payload = append([]byte(nil), c.Payload...)
	m.completions = append(m.completions, c)
	return nil
}

// Completions возвращает копию всех записанных сигналов.
func (m *MemoryOrchestrator) Completions() []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Completion, len(m.completions))
	copy(out, m.completions)
	return out
}

// Executions возвращает копию всех запусков.
func (m *MemoryOrchestrator) Executions() []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Execution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e)
	}
	return out
}

func newMemoryToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "mem-" + base64.RawURLEncoding.EncodeToString(b), nil
}
