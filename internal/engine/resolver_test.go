package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-approvals/internal/audit"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/repository/memory"
	"go.uber.org/zap"
)

func TestResolver_ApproveScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	res, err := f.resolver.Decide(ctx, taskID, "APPROVE", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Status)

	completions := f.orch.Completions()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Success)
	assert.Equal(t, "tok-123", completions[0].Token)

	var payload domain.DecisionPayload
	require.NoError(t, json.Unmarshal(completions[0].Payload, &payload))
	assert.Equal(t, domain.DecisionPayload{TaskID: taskID, Decision: domain.DecisionApprove, Comments: "ok"}, payload)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, task.Status)
	assert.False(t, task.HasToken())
	assert.Nil(t, task.ResumeError)

	// Повтор: задачи больше нет в состоянии ожидания
	_, err = f.resolver.Decide(ctx, taskID, "APPROVE", "ok")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Len(t, f.orch.Completions(), 1)

	assert.Contains(t, f.auditor.kinds(), audit.KindDecisionApplied)
}

func TestResolver_Reject(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "Q2", "b@x.com")
	f.register(t, taskID, "tok-456")

	_, err := f.resolver.Decide(context.Background(), taskID, "reject", "no budget")
	require.NoError(t, err)

	completions := f.orch.Completions()
	require.Len(t, completions, 1)
	assert.False(t, completions[0].Success)
	assert.Equal(t, RejectedErrorCode, completions[0].ErrorCode)
	assert.JSONEq(t, `{"taskId":"`+taskID+`","decision":"REJECT","comments":"no budget"}`, string(completions[0].Payload))
}

func TestResolver_NeverCreatedTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Decide(context.Background(), "does-not-exist", "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Empty(t, f.orch.Completions())
}

func TestResolver_TokenNotYetRegistered(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "Q1", "a@x.com")

	_, err := f.resolver.Decide(context.Background(), taskID, "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestResolver_InvalidDecisionDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	for _, d := range []string{"", "MAYBE", "APPROVED", "yes"} {
		_, err := f.resolver.Decide(ctx, taskID, d, "")
		assert.ErrorIs(t, err, domain.ErrValidation, d)
	}

	token, err := f.store.GetToken(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Empty(t, f.orch.Completions())
}

func TestResolver_EmptyTaskID(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Decide(context.Background(), "  ", "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestResolver_ConcurrentDecisions(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-race")

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		notFound int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			decision := "APPROVE"
			if i%2 == 0 {
				decision = "REJECT"
			}
			_, err := f.resolver.Decide(context.Background(), taskID, decision, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrTaskNotFound) {
				notFound++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, notFound)
	assert.Len(t, f.orch.Completions(), 1)
}

func TestResolver_UpstreamFailureMarksStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	f.orch.FailWith(errors.New("connection reset"))

	_, err := f.resolver.Decide(ctx, taskID, "APPROVE", "ok")
	assert.ErrorIs(t, err, domain.ErrUpstream)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, task.Status)
	assert.False(t, task.HasToken())
	require.NotNil(t, task.ResumeError)
	assert.Contains(t, *task.ResumeError, "connection reset")

	stuck, err := f.store.ListTasks(ctx, domain.TaskFilter{Stuck: true})
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	// Токен потрачен: повтор не доходит до оркестратора
	f.orch.FailWith(nil)
	_, err = f.resolver.Decide(ctx, taskID, "APPROVE", "ok")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Empty(t, f.orch.Completions())

	assert.Contains(t, f.auditor.kinds(), audit.KindResumeFailed)
}

// cancelOnResolve имитирует клиента, ушедшего сразу после того, как токен забран.
type cancelOnResolve struct {
	*memory.TaskStore
	cancel context.CancelFunc
}

func (s *cancelOnResolve) Resolve(ctx context.Context, taskID string, status domain.ApprovalStatus, comments string) (string, error) {
	token, err := s.TaskStore.Resolve(ctx, taskID, status, comments)
	s.cancel()
	return token, err
}

func TestResolver_ClientDisconnectAfterResolveStillResumes(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnResolve{TaskStore: f.store, cancel: cancel}
	orch := NewReliableOrchestrator(f.orch, testReliabilityConfig(), nil, zap.NewNop())
	r := NewResolver(store, orch, NewTokenValidator(testTokenMinLen, nil), f.auditor, nil, zap.NewNop())

	_, err := r.Decide(ctx, taskID, "APPROVE", "ok")
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	completions := f.orch.Completions()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Success)

	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, task.Status)
	assert.Nil(t, task.ResumeError)
}

func TestResolver_InvalidTokenFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, "Q1", "a@x.com")

	// Токен в обход регистратора, как будто его записал сторонний продюсер
	_, err := f.store.SetToken(ctx, taskID, "x")
	require.NoError(t, err)

	_, err = f.resolver.Decide(ctx, taskID, "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.Empty(t, f.orch.Completions())

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.NotNil(t, task.ResumeError)
}

func TestResolver_OrchestratorRejectsToken(t *testing.T) {
	store := newFixture(t).store
	ctx := context.Background()
	q := &domain.Question{QuestionID: "q-1", Title: "Q1"}
	require.NoError(t, store.CreateRequest(ctx, q, &domain.ApprovalTask{TaskID: "t-1", QuestionID: "q-1", AssessorEmail: "a@x.com"}))
	_, err := store.SetToken(ctx, "t-1", "tok-123")
	require.NoError(t, err)

	orch := &fakeOrchestrator{
		available: true,
		SendTaskSuccessFunc: func(context.Context, string, []byte) error {
			return domain.ErrInvalidToken
		},
	}
	r := NewResolver(store, orch, NewTokenValidator(testTokenMinLen, nil), nil, nil, zap.NewNop())

	_, err = r.Decide(ctx, "t-1", "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.NotErrorIs(t, err, domain.ErrUpstream)
}

func TestResolver_UnavailableOrchestratorKeepsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	called := false
	orch := &fakeOrchestrator{
		available: false,
		SendTaskSuccessFunc: func(context.Context, string, []byte) error {
			called = true
			return nil
		},
	}
	r := NewResolver(f.store, orch, NewTokenValidator(testTokenMinLen, nil), nil, nil, zap.NewNop())

	_, err := r.Decide(ctx, taskID, "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.False(t, called)

	token, err := f.store.GetToken(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestResolver_UpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := f.createTask(t, "Q1", "a@x.com")
	f.register(t, taskID, "tok-123")

	_, err := f.resolver.UpdateStatus(ctx, taskID, "APPROVED", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.resolver.UpdateStatus(ctx, taskID, "bogus", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	st, err := f.resolver.UpdateStatus(ctx, taskID, "timed_out", "deadline passed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimedOut, st)

	// Токен погашен вместе с переходом
	_, err = f.resolver.Decide(ctx, taskID, "APPROVE", "")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = f.resolver.UpdateStatus(ctx, taskID, "FAILED", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.resolver.UpdateStatus(ctx, "missing", "FAILED", "")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
