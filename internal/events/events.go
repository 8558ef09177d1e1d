package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/infra"
)

// StatusChanged подтверждённый сервером переход. Открытые экраны и reviewctl watch
// по нему перечитывают список: агрегаты считает только сервер.
type StatusChanged struct {
	Kind           domain.Kind   `json:"kind"`
	EntityID       string        `json:"entityId"`
	OrganizationID string        `json:"organizationId"`
	From           domain.Status `json:"from"`
	To             domain.Status `json:"to"`
	ActorRole      domain.Role   `json:"actorRole"`
	ActorID        string        `json:"actorId,omitempty"`
	At             time.Time     `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
}

// RedisPublisher транслирует события в канал sdu:review:status-changed.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: infra.RedisChanStatusChanged}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish to %s: %w", p.channel, err)
	}
	return nil
}

// NopPublisher когда Redis не настроен.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusChanged) error { return nil }
