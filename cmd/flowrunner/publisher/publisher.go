package publisher

import (
	"context"

	"github.com/botkita/flowcore/common/queue"
)

// Publisher hands serialized execution events to an external sink. The
// engine treats it as fire-and-forget: delivery retries and durability
// belong to the sink.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// QueuePublisher routes events through a queue topic, keyed so events for
// the same user stay ordered at the sink.
type QueuePublisher struct {
	queue queue.Queue
	topic string
}

// NewQueuePublisher creates a publisher over the given queue and topic
func NewQueuePublisher(q queue.Queue, topic string) *QueuePublisher {
	return &QueuePublisher{queue: q, topic: topic}
}

// Publish hands one serialized event to the topic.
func (p *QueuePublisher) Publish(ctx context.Context, key string, payload []byte) error {
	return p.queue.Publish(ctx, p.topic, key, payload)
}

// Nop discards events. Used when no sink is configured.
type Nop struct{}

// Publish drops the event.
func (Nop) Publish(context.Context, string, []byte) error {
	return nil
}
