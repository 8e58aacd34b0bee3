package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/botkita/flowcore/common/logger"
)

// RedisQueue implements Queue on Redis streams. Messages are appended with
// XADD and consumed through a consumer group, so delivery is at-least-once.
// The partition key travels in the "key" field; consumers that care about
// per-key ordering read the stream serially.
type RedisQueue struct {
	redis *redis.Client
	group string
	log   *logger.Logger
}

// NewRedisQueue creates a Redis-streams queue
func NewRedisQueue(client *redis.Client, group string, log *logger.Logger) *RedisQueue {
	return &RedisQueue{
		redis: client,
		group: group,
		log:   log,
	}
}

// Publish appends a message to the topic stream
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":   key,
			"value": string(message),
		},
	}).Result()
	if err != nil {
		q.log.Error("redis XADD failed", "stream", topic, "error", err)
		return fmt.Errorf("failed to add to stream %s: %w", topic, err)
	}
	q.log.Debug("redis XADD", "stream", topic, "id", id, "key", key)
	return nil
}

// Subscribe consumes the topic stream through a consumer group until the
// context is cancelled
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	err := q.redis.XGroupCreateMkStream(ctx, topic, q.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	consumer := fmt.Sprintf("%s_%s", q.group, uuid.New().String()[:8])
	q.log.Info("subscribing to stream", "stream", topic, "group", q.group, "consumer", consumer)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "stream", topic)
				return
			default:
			}

			streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: consumer,
				Streams:  []string{topic, ">"},
				Count:    1,
				Block:    5 * time.Second,
			}).Result()

			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("redis XREADGROUP failed", "stream", topic, "error", err)
				time.Sleep(1 * time.Second) // Back off on error
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					key, _ := message.Values["key"].(string)
					value, _ := message.Values["value"].(string)

					if err := handler(ctx, key, []byte(value)); err != nil {
						q.log.Error("message handler error", "stream", topic, "message_id", message.ID, "error", err)
					}

					if err := q.redis.XAck(ctx, topic, q.group, message.ID).Err(); err != nil {
						q.log.Error("failed to ACK message", "message_id", message.ID, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Close closes the underlying Redis connection
func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
