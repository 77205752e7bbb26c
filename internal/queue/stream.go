// Package queue: транспорт токенов продолжения поверх Redis Streams.
//
// Продюсер (активити приостановленного исполнения) делает XADD. Регистратор
// читает через consumer group, подтверждает XACK только успешно обработанные
// сообщения. Неподтвержденные после ReclaimIdle забираются повторно, а после
// MaxDeliveries уходят в dead-letter поток.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/engine"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
)

// FieldBody: поле сообщения потока с JSON телом.
const FieldBody = "body"

type Config struct {
	Stream        string
	DeadLetter    string
	Group         string
	Consumer      string
	BatchSize     int64
	Block         time.Duration
	ReclaimIdle   time.Duration
	MaxDeliveries int64
}

func ConfigFrom(c infra.QueueConfig) Config {
	return Config{
		Stream:        c.Stream,
		DeadLetter:    c.DeadLetter,
		Group:         c.Group,
		Consumer:      c.Consumer,
		BatchSize:     c.BatchSize,
		Block:         c.BlockTimeout,
		ReclaimIdle:   c.ReclaimIdle,
		MaxDeliveries: c.MaxDeliveries,
	}
}

// BatchHandler обрабатывает пачку сообщений (engine.Registrar).
type BatchHandler interface {
	ProcessBatch(ctx context.Context, msgs []engine.Message) engine.BatchResult
}

// Producer публикует сообщения с токенами.
type Producer struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewProducer(rdb redis.Cmdable, stream string) *Producer {
	return &Producer{rdb: rdb, stream: stream, maxLen: 100_000}
}

func (p *Producer) Publish(ctx context.Context, msg domain.TokenMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: encode token message: %w", err)
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{FieldBody: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Consumer читает поток через consumer group и отдает пачки обработчику.
type Consumer struct {
	rdb     redis.Cmdable
	cfg     Config
	handler BatchHandler
	logger  *zap.Logger
}

func NewConsumer(rdb redis.Cmdable, cfg Config, handler BatchHandler, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = time.Minute
	}
	return &Consumer{
		rdb:     rdb,
		cfg:     cfg,
		handler: handler,
		logger: logger.Named("queue").With(
			zap.String("stream", infra.GetStreamGroupKey(cfg.Stream, cfg.Group)),
			zap.String("consumer", cfg.Consumer),
		),
	}
}

// Setup создает группу (и поток). Redis на старте может быть еще недоступен, поэтому повторяем.
func (c *Consumer) Setup(ctx context.Context) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return r.Do(func() error {
		err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("queue: create group: %w", err)
		}
		return nil
	})
}

// Run крутит цикл чтения до отмены контекста.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("token consumer started")

	reclaimTicker := time.NewTicker(c.cfg.ReclaimIdle)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("token consumer stopping by context")
			return nil
		case <-reclaimTicker.C:
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("reclaim failed", zap.Error(err))
			}
		default:
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll читает одну пачку новых сообщений и возвращает количество подтвержденных.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil // таймаут блокировки, новых сообщений нет
		}
		return 0, fmt.Errorf("queue: xreadgroup: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return c.handle(ctx, msgs)
}

// Reclaim забирает сообщения, зависшие в pending дольше ReclaimIdle.
// Исчерпавшие MaxDeliveries переносятся в dead-letter поток.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	// Один экземпляр за раз, иначе сообщения будут перетягиваться между регистраторами
	ok, err := c.rdb.SetNX(ctx, infra.RedisKeyLockReclaim+":"+c.cfg.Stream, c.cfg.Consumer, c.cfg.ReclaimIdle).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim lock: %w", err)
	}
	if !ok {
		return 0, nil
	}

	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize * 10,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xpending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ReclaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xclaim: %w", err)
	}

	var retryable []redis.XMessage
	for _, m := range claimed {
		if deliveries[m.ID] >= c.cfg.MaxDeliveries {
			if err := c.deadLetter(ctx, m, deliveries[m.ID]); err != nil {
				c.logger.Error("failed to move message to dead letter", zap.String("message_id", m.ID), zap.Error(err))
			}
			continue
		}
		retryable = append(retryable, m)
	}
	return c.handle(ctx, retryable)
}

func (c *Consumer) handle(ctx context.Context, msgs []redis.XMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, engine.Message{ID: m.ID, Body: bodyOf(m)})
	}

	res := c.handler.ProcessBatch(ctx, batch)
	failed := make(map[string]struct{}, len(res.Failures))
	for _, id := range res.Failures {
		failed[id] = struct{}{}
	}

	ack := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, ok := failed[m.ID]; !ok {
			ack = append(ack, m.ID)
		}
	}
	if len(res.Failures) > 0 {
		c.logger.Warn("messages left pending for redelivery", zap.Strings("message_ids", res.Failures))
	}
	if len(ack) == 0 {
		return 0, nil
	}

	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, ack...).Err(); err != nil {
		return 0, fmt.Errorf("queue: xack: %w", err)
	}
	return len(ack), nil
}

func (c *Consumer) deadLetter(ctx context.Context, m redis.XMessage, deliveries int64) error {
	if c.cfg.DeadLetter != "" {
		err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: c.cfg.DeadLetter,
			Values: map[string]interface{}{
				FieldBody:     bodyOf(m),
				"original_id": m.ID,
				"deliveries":  deliveries,
			},
		}).Err()
		if err != nil {
			return fmt.Errorf("queue: xadd dead letter: %w", err)
		}
	}
	c.logger.Warn("message moved to dead letter", zap.String("message_id", m.ID), zap.Int64("deliveries", deliveries))
	return c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID).Err()
}

func bodyOf(m redis.XMessage) []byte {
	switch v := m.Values[FieldBody].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
