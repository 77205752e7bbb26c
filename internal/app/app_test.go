package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/spaceai-approvals/internal/connectors"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
)

func TestOpenStores_Memory(t *testing.T) {
	ctx := context.Background()
	stores, err := OpenStores(ctx, infra.DatabaseConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()

	require.NoError(t, stores.Ping(ctx))
	require.NoError(t, stores.Tasks.CreateRequest(ctx,
		&domain.Question{QuestionID: "q-1", Title: "Q1"},
		&domain.ApprovalTask{TaskID: "t-1", QuestionID: "q-1", AssessorEmail: "a@x.com", Status: domain.StatusPending},
	))
	_, err = stores.Tasks.GetTask(ctx, "t-1")
	assert.NoError(t, err)
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	_, err := OpenStores(context.Background(), infra.DatabaseConfig{Driver: "sqlite"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewReliableOrchestrator(t *testing.T) {
	mem := connectors.NewMemoryOrchestrator()
	orch := NewReliableOrchestrator(mem, infra.EngineConfig{
		CBMaxRequests: 1,
		CBFailures:    2,
		RateLimit:     100,
		RateBurst:     10,
		StartAttempts: 1,
	}, engine.NewMetrics(nil), zap.NewNop())

	assert.True(t, orch.Available())
	require.NoError(t, orch.SendTaskSuccess(context.Background(), "mem-token", []byte(`{}`)))
	assert.Len(t, mem.Completions(), 1)
}

func TestTemporalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := log.With(NewTemporalLogger(zap.New(core)), "Namespace", "default")

	l.Info("worker started", "TaskQueue", "approvals")
	l.Error("activity failed", "ActivityID", "5")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "worker started", entries[0].Message)
	assert.Equal(t, "approvals", entries[0].ContextMap()["TaskQueue"])
	assert.Equal(t, "default", entries[0].ContextMap()["Namespace"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestServeHealth_Disabled(t *testing.T) {
	h, err := ServeHealth(0, zap.NewNop())
	require.NoError(t, err)
	h.SetServing(true)
	h.Stop()
}
