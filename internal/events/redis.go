package events

import (
	"context"
	"fmt"
)

// RedisPublisher is the slice of the Redis client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisSink publishes events on Redis Pub/Sub so every control-plane
// replica sees them. Channels are "<prefix><event type>".
type RedisSink struct {
	client RedisPublisher
	prefix string
}

// NewRedisSink creates a sink with the given channel prefix.
func NewRedisSink(client RedisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "ocx:events:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev *CloudEvent) error {
	data, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, s.prefix+ev.Type, data)
}

var _ Sink = (*RedisSink)(nil)
