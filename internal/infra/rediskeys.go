package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Потоки (Streams)
const (
	// RedisStreamTokens — токены продолжения от приостановленных исполнений.
	RedisStreamTokens    = RedisNamespace + ":approvals:tokens"
	RedisStreamTokensDLQ = RedisNamespace + ":approvals:tokens:dlq"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalNotifications — уведомления проверяющим со ссылками на решение.
	RedisChanApprovalNotifications = RedisNamespace + ":approvals:notifications"
)

// Ключи блокировок
const (
	// RedisKeyLockReclaim — только один экземпляр регистратора разбирает зависшие сообщения.
	RedisKeyLockReclaim = RedisNamespace + ":lock:approvals:reclaim"
)

// GetStreamGroupKey нужен для логов и метрик: поток и группа одной строкой.
func GetStreamGroupKey(stream, group string) string {
	return fmt.Sprintf("%s#%s", stream, group)
}
