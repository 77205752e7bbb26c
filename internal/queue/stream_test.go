package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

// scriptedHandler помечает сбойными сообщения с указанными taskId.
type scriptedHandler struct {
	mu    sync.Mutex
	fail  map[string]bool
	seen  []domain.TokenMessage
	calls int
}

func (h *scriptedHandler) ProcessBatch(_ context.Context, msgs []engine.Message) engine.BatchResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	var res engine.BatchResult
	for _, m := range msgs {
		tm, err := domain.DecodeTokenMessage(m.Body)
		if err != nil || h.fail[tm.TaskID] {
			res.Failures = append(res.Failures, m.ID)
			continue
		}
		h.seen = append(h.seen, *tm)
	}
	return res
}

func testConfig(name string) Config {
	return Config{
		Stream:        "test:" + name,
		DeadLetter:    "test:" + name + ":dlq",
		Group:         "registrar",
		Consumer:      "c-1",
		BatchSize:     10,
		Block:         100 * time.Millisecond,
		ReclaimIdle:   50 * time.Millisecond,
		MaxDeliveries: 2,
	}
}

func TestConsumer_PollAcksSuccesses(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cfg := testConfig("poll")

	handler := &scriptedHandler{fail: map[string]bool{"t-bad": true}}
	c := NewConsumer(rdb, cfg, handler, zap.NewNop())
	require.NoError(t, c.Setup(ctx))
	require.NoError(t, c.Setup(ctx)) // BUSYGROUP не ошибка

	p := NewProducer(rdb, cfg.Stream)
	_, err := p.Publish(ctx, domain.TokenMessage{TaskID: "t-1", TaskToken: "tok-1"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, domain.TokenMessage{TaskID: "t-bad", TaskToken: "tok-2"})
	require.NoError(t, err)

	acked, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	pending, err := rdb.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// Пустое чтение не ошибка
	acked, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)
}

func TestConsumer_ReclaimAndDeadLetter(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cfg := testConfig("reclaim")

	handler := &scriptedHandler{fail: map[string]bool{"t-bad": true}}
	c := NewConsumer(rdb, cfg, handler, zap.NewNop())
	require.NoError(t, c.Setup(ctx))

	p := NewProducer(rdb, cfg.Stream)
	_, err := p.Publish(ctx, domain.TokenMessage{TaskID: "t-bad", TaskToken: "tok"})
	require.NoError(t, err)

	_, err = c.Poll(ctx) // доставка 1, сбой
	require.NoError(t, err)

	// Пока сообщение не исчерпало попытки, оно возвращается обработчику
	require.Eventually(t, func() bool {
		_ = rdb.Del(ctx, infra.RedisKeyLockReclaim+":"+cfg.Stream).Err()
		if _, err := c.Reclaim(ctx); err != nil {
			return false
		}
		n, err := rdb.XLen(ctx, cfg.DeadLetter).Result()
		return err == nil && n == 1
	}, 5*time.Second, 100*time.Millisecond)

	pending, err := rdb.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	dead, err := rdb.XRange(ctx, cfg.DeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	tm, err := domain.DecodeTokenMessage(bodyOf(dead[0]))
	require.NoError(t, err)
	assert.Equal(t, "t-bad", tm.TaskID)
	assert.GreaterOrEqual(t, handler.calls, 2)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	rdb := setupRedis(t)
	cfg := testConfig("run")
	handler := &scriptedHandler{}
	c := NewConsumer(rdb, cfg, handler, zap.NewNop())
	require.NoError(t, c.Setup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	_, err := NewProducer(rdb, cfg.Stream).Publish(context.Background(), domain.TokenMessage{TaskID: "t-1", TaskToken: "tok"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.seen) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
