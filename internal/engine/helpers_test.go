package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/repository/memory"
	"go.uber.org/zap"
)

// В тестах токены короткие, как в живых примерах ("tok-123")
const testTokenMinLen = 4

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Log(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) kinds() []audit.EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventKind, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

// fakeOrchestrator: ручной мок с функциональными полями.
type fakeOrchestrator struct {
	StartExecutionFunc  func(ctx context.Context, definitionRef, executionName string, input []byte) (string, error)
	SendTaskSuccessFunc func(ctx context.Context, token string, output []byte) error
	SendTaskFailureFunc func(ctx context.Context, token, errorCode string, cause []byte) error
	available           bool
}

func (f *fakeOrchestrator) StartExecution(ctx context.Context, definitionRef, executionName string, input []byte) (string, error) {
	return f.StartExecutionFunc(ctx, definitionRef, executionName, input)
}

func (f *fakeOrchestrator) SendTaskSuccess(ctx context.Context, token string, output []byte) error {
	return f.SendTaskSuccessFunc(ctx, token, output)
}

func (f *fakeOrchestrator) SendTaskFailure(ctx context.Context, token, errorCode string, cause []byte) error {
	return f.SendTaskFailureFunc(ctx, token, errorCode, cause)
}

func (f *fakeOrchestrator) Available() bool { return f.available }

type fixture struct {
	store     *memory.TaskStore
	orch      *connectors.MemoryOrchestrator
	notifier  *recordingNotifier
	auditor   *recordingAuditor
	resolver  *Resolver
	registrar *Registrar
	intake    *Intake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewTaskStore(),
		orch:     connectors.NewMemoryOrchestrator(),
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
	}
	tokens := NewTokenValidator(testTokenMinLen, nil)
	logger := zap.NewNop()
	f.resolver = NewResolver(f.store, f.orch, tokens, f.auditor, nil, logger)
	f.registrar = NewRegistrar(f.store, tokens, f.notifier, f.auditor, nil, logger)
	f.intake = NewIntake(f.store, f.orch, IntakeConfig{}, f.auditor, nil, logger)
	return f
}

func (f *fixture) createTask(t *testing.T, title, email string) string {
	t.Helper()
	res, err := f.intake.Submit(context.Background(), IntakeRequest{Title: title, AssessorEmail: email})
	require.NoError(t, err)
	return res.TaskID
}

func (f *fixture) register(t *testing.T, taskID, token string) {
	t.Helper()
	require.NoError(t, f.registrar.Register(context.Background(), &domain.TokenMessage{
		TaskID: taskID, AssessorEmail: "a@x.com", Title: "Q1", TaskToken: token,
	}))
}
