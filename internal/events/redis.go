package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub, one channel per
// routing key under prefix.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(eventType string) string {
	return p.prefix + RoutingKey(eventType)
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(msg.Type), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Type, err)
	}
	return nil
}

// Close leaves the client open; it is shared with the slot locker.
func (p *RedisPublisher) Close() error { return nil }
