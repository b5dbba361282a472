package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events on pub/sub channels: one firehose channel
// plus one channel per recipient for chat and inbox consumers.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher using channels under prefix
// (e.g. "atelier" → "atelier:events", "atelier:user:<id>").
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "atelier"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// EventsChannel is the firehose channel name.
func (p *RedisPublisher) EventsChannel() string {
	return p.prefix + ":events"
}

// UserChannel is the per-recipient channel name.
func (p *RedisPublisher) UserChannel(userID string) string {
	return p.prefix + ":user:" + userID
}

func (p *RedisPublisher) Notify(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.EventsChannel(), data)
	for _, r := range event.Recipients {
		pipe.Publish(ctx, p.UserChannel(r), data)
	}
	_, err = pipe.Exec(ctx)
	return err
}
