package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends entries to a Redis stream read by the
// email/SMS delivery service.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = "booking:notifications"
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisStreamPublisher) Name() string { return "redis" }

func (p *RedisStreamPublisher) Publish(ctx context.Context, entry Entry) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":             entry.ID.String(),
			"dedupe_key":     entry.DedupeKey,
			"kind":           string(entry.Kind),
			"appointment_id": entry.AppointmentID.String(),
			"payload":        string(entry.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", p.stream, err)
	}
	return nil
}
