package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/repository/memory"
	"go.uber.org/zap"
)

func TestIntake_CreatesPendingTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.intake.Submit(ctx, IntakeRequest{Title: "  Q1 ", Content: "body", AssessorEmail: " a@x.com "})
	require.NoError(t, err)
	assert.Equal(t, "Q1", res.Title)
	assert.Equal(t, "a@x.com", res.AssessorEmail)
	assert.Empty(t, res.ExecutionID)

	task, err := f.store.GetTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.False(t, task.HasToken())
	assert.Equal(t, res.QuestionID, task.QuestionID)

	q, ok := f.store.Question(res.QuestionID)
	require.True(t, ok)
	assert.Equal(t, "body", q.Content)
	assert.Contains(t, f.auditor.kinds(), audit.KindTaskCreated)
}

func TestIntake_ValidationInsertsNothing(t *testing.T) {
	tests := []struct {
		name string
		req  IntakeRequest
		want string
	}{
		{"missing assessor", IntakeRequest{Title: "Q1"}, "assessorEmail is required"},
		{"blank assessor", IntakeRequest{Title: "Q1", AssessorEmail: "   "}, "assessorEmail is required"},
		{"malformed email", IntakeRequest{Title: "Q1", AssessorEmail: "not-an-email"}, "assessorEmail must be a valid email address"},
		{"missing title", IntakeRequest{AssessorEmail: "a@x.com"}, "title is required"},
		{"title too long", IntakeRequest{Title: strings.Repeat("x", 600), AssessorEmail: "a@x.com"}, "title is too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.intake.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestIntake_StartsExecution(t *testing.T) {
	store := memory.NewTaskStore()
	orch := connectors.NewMemoryOrchestrator()
	intake := NewIntake(store, orch, IntakeConfig{StartExecution: true, DefinitionRef: "ApprovalWorkflow"}, nil, nil, zap.NewNop())

	res, err := intake.Submit(context.Background(), IntakeRequest{Title: "Q1", Content: "c", AssessorEmail: "a@x.com"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ExecutionID, ExecutionNamePrefix))

	execs := orch.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "ApprovalWorkflow", execs[0].DefinitionRef)

	var in domain.ExecutionInput
	require.NoError(t, json.Unmarshal(execs[0].Input, &in))
	assert.Equal(t, domain.ExecutionInput{
		TaskID: res.TaskID, QuestionID: res.QuestionID, AssessorEmail: "a@x.com", Title: "Q1", Content: "c",
	}, in)

	task, err := store.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, res.ExecutionID, task.ExecutionRef)
}

func TestIntake_StartFailureCompensates(t *testing.T) {
	store := memory.NewTaskStore()
	orch := &fakeOrchestrator{
		StartExecutionFunc: func(context.Context, string, string, []byte) (string, error) {
			return "", errors.New("temporal unavailable")
		},
	}
	auditor := &recordingAuditor{}
	intake := NewIntake(store, orch, IntakeConfig{StartExecution: true, DefinitionRef: "ApprovalWorkflow"}, auditor, nil, zap.NewNop())

	_, err := intake.Submit(context.Background(), IntakeRequest{Title: "Q1", AssessorEmail: "a@x.com"})
	assert.ErrorIs(t, err, domain.ErrUpstream)

	tasks, err := store.ListTasks(context.Background(), domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.StatusFailed, tasks[0].Status)
	assert.Contains(t, auditor.kinds(), audit.KindIntakeCompensate)
}

func TestIntake_EndToEndWithPauseHook(t *testing.T) {
	store := memory.NewTaskStore()
	notifier := &recordingNotifier{}
	tokens := NewTokenValidator(DefaultTokenMinLength, nil)
	logger := zap.NewNop()
	registrar := NewRegistrar(store, tokens, notifier, nil, nil, logger)

	orch := connectors.NewMemoryOrchestrator().WithPauseHook(func(ctx context.Context, msg domain.TokenMessage) {
		require.NoError(t, registrar.Register(ctx, &msg))
	})
	intake := NewIntake(store, orch, IntakeConfig{StartExecution: true, DefinitionRef: "ApprovalWorkflow"}, nil, nil, logger)
	resolver := NewResolver(store, orch, tokens, nil, nil, logger)

	res, err := intake.Submit(context.Background(), IntakeRequest{Title: "Q1", AssessorEmail: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count())

	_, err = resolver.Decide(context.Background(), res.TaskID, "APPROVE", "ok")
	require.NoError(t, err)

	completions := orch.Completions()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Success)
}
