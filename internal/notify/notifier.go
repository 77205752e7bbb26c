// Package notify доставляет проверяющему ссылки на решение. Рендеринг писем
// и сама отправка на совести подписчика канала; здесь только сообщение.
package notify

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-approvals/internal/engine"
)

// Message уходит в канал уведомлений.
type Message struct {
	TaskID     string    `json:"taskId"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Title      string    `json:"title"`
	ApproveURL string    `json:"approveUrl"`
	RejectURL  string    `json:"rejectUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BuildMessage собирает уведомление со ссылками
// {base}/requests/{taskId}/decision?decision=APPROVE|REJECT.
func BuildMessage(baseURL string, n engine.Notification) Message {
	base := strings.TrimRight(baseURL, "/") + "/requests/" + url.PathEscape(n.TaskID) + "/decision?decision="
	return Message{
		TaskID:     n.TaskID,
		To:         n.AssessorEmail,
		Subject:    "Approval required: " + n.Title,
		Title:      n.Title,
		ApproveURL: base + "APPROVE",
		RejectURL:  base + "REJECT",
		CreatedAt:  time.Now().UTC(),
	}
}

// publisher: срез redis-клиента, нужный нотификатору.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier публикует уведомления в Pub/Sub канал.
type RedisNotifier struct {
	rdb     publisher
	channel string
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisNotifier(rdb publisher, channel, baseURL string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		channel: channel,
		baseURL: baseURL,
		timeout: 2 * time.Second,
		logger:  logger.Named("notifier"),
	}
}

// Notify не возвращает ошибок: сбой уведомления не должен откатывать регистрацию токена.
func (n *RedisNotifier) Notify(ctx context.Context, note engine.Notification) {
	msg := BuildMessage(n.baseURL, note)
	log := n.logger.With(zap.String("task_id", note.TaskID), zap.String("to", note.AssessorEmail))

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to encode notification", zap.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	receivers, err := n.rdb.Publish(pctx, n.channel, payload).Result()
	if err != nil {
		log.Error("failed to publish notification", zap.Error(err))
		return
	}
	if receivers == 0 {
		log.Warn("notification published but nobody is subscribed", zap.String("channel", n.channel))
		return
	}
	log.Info("assessor notified", zap.Int64("receivers", receivers))
}

// LogNotifier пишет уведомления только в лог, когда Redis выключен.
type LogNotifier struct {
	baseURL string
	logger  *zap.Logger
}

func NewLogNotifier(baseURL string, logger *zap.Logger) *LogNotifier {
	return &LogNotifier{baseURL: baseURL, logger: logger.Named("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, note engine.Notification) {
	msg := BuildMessage(n.baseURL, note)
	n.logger.Info("approval notification",
		zap.String("task_id", msg.TaskID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("approve_url", msg.ApproveURL),
		zap.String("reject_url", msg.RejectURL),
	)
}
