package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/spaceai-approvals/internal/engine"
)

type fakePublisher struct {
	channel string
	payload []byte
	result  int64
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(f.result, f.err)
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage("https://approvals.example.com/", engine.Notification{
		TaskID: "t-1", AssessorEmail: "a@x.com", Title: "Q1",
	})

	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, "Approval required: Q1", msg.Subject)
	assert.Equal(t, "https://approvals.example.com/requests/t-1/decision?decision=APPROVE", msg.ApproveURL)
	assert.Equal(t, "https://approvals.example.com/requests/t-1/decision?decision=REJECT", msg.RejectURL)
}

func TestRedisNotifier_Publishes(t *testing.T) {
	pub := &fakePublisher{result: 1}
	n := NewRedisNotifier(pub, "devit:approvals:notifications", "http://localhost:8080", zap.NewNop())

	n.Notify(context.Background(), engine.Notification{TaskID: "t-1", AssessorEmail: "a@x.com", Title: "Q1"})

	assert.Equal(t, "devit:approvals:notifications", pub.channel)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.payload, &msg))
	assert.Equal(t, "t-1", msg.TaskID)
	assert.Equal(t, "http://localhost:8080/requests/t-1/decision?decision=APPROVE", msg.ApproveURL)
}

func TestRedisNotifier_FailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	pub := &fakePublisher{err: errors.New("redis down")}
	n := NewRedisNotifier(pub, "chan", "http://localhost", zap.New(core))

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), engine.Notification{TaskID: "t-1"})
	})
	assert.Equal(t, 1, logs.FilterMessage("failed to publish notification").Len())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier("http://localhost", zap.New(core))

	n.Notify(context.Background(), engine.Notification{TaskID: "t-9", AssessorEmail: "z@x.com", Title: "T"})

	entries := logs.FilterMessage("approval notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "http://localhost/requests/t-9/decision?decision=REJECT", entries[0].ContextMap()["reject_url"])
}
