package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher forwards events to a redis channel so other processes
// (legacy dashboard, workers) can observe request changes.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher constructs the publisher for the given channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "reimbursements.events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Deliver implements Sink by publishing the JSON encoded event.
func (p *RedisPublisher) Deliver(ctx context.Context, evt Event) error {
	if p.client == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event to %s: %w", p.channel, err)
	}
	return nil
}
