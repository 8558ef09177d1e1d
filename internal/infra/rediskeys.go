package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sdu"
)

// Ключи блокировок
const (
	// RedisKeyInFlightPrefix "не более одного запроса в полёте" на сущность.
	RedisKeyInFlightPrefix = RedisNamespace + ":review:inflight:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanStatusChanged подтверждённые переходы статуса; слушают открытые экраны и reviewctl watch.
	RedisChanStatusChanged = RedisNamespace + ":review:status-changed"
)

// InFlightKey ключ блокировки по ключу сущности "<kind>:<id>".
func InFlightKey(entityKey string) string {
	return RedisKeyInFlightPrefix + entityKey
}

