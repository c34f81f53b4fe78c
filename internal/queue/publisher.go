package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ignite/squeeze/internal/dispatch"
)

// Message metadata keys.
const (
	MetadataDripID    = "drip_id"
	MetadataChunkSize = "chunk_size"
)

// Publisher enqueues delivery tasks on a Watermill topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

var _ dispatch.TaskRunner = (*Publisher)(nil)

// NewPublisher creates a Publisher on topic (DefaultTopic when empty).
func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic}
}

// Enqueue publishes task and returns the message id as its handle.
func (p *Publisher) Enqueue(ctx context.Context, task dispatch.Task) (dispatch.TaskHandle, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataDripID, task.DripID)
	msg.Metadata.Set(MetadataChunkSize, fmt.Sprint(len(task.SubscriberIDs)))
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}
	return dispatch.TaskHandle(msg.UUID), nil
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error { return p.pub.Close() }
