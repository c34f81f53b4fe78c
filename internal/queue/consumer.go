package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ignite/squeeze/internal/dispatch"
	"github.com/ignite/squeeze/internal/pkg/logger"
)

// ChunkDeliverer executes one task; *dispatch.Deliverer satisfies it.
type ChunkDeliverer interface {
	DeliverChunk(ctx context.Context, task dispatch.Task) (dispatch.DeliveryReport, error)
}

// Consumer drives a ChunkDeliverer from a Watermill subscription.
type Consumer struct {
	sub       message.Subscriber
	topic     string
	deliverer ChunkDeliverer
}

// NewConsumer creates a Consumer on topic (DefaultTopic when empty).
func NewConsumer(sub message.Subscriber, topic string, deliverer ChunkDeliverer) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Consumer{sub: sub, topic: topic, deliverer: deliverer}
}

// Run consumes until ctx is cancelled or the subscription closes.
// A task whose delivery returns an error is nacked for redelivery; an
// undecodable payload is acked and dropped.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.subscribe(ctx)
	if err != nil {
		return err
	}
	c.consume(ctx, messages)
	return nil
}

// Start subscribes before returning, then consumes in the background. The
// returned channel closes when consumption stops.
func (c *Consumer) Start(ctx context.Context) (<-chan struct{}, error) {
	messages, err := c.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.consume(ctx, messages)
	}()
	return done, nil
}

func (c *Consumer) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	messages, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	logger.Info("chunk consumer started", "topic", c.topic)
	return messages, nil
}

func (c *Consumer) consume(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

// handle delivers under the message's own context, which the subscriber
// derives from the subscription and cancels on shutdown.
func (c *Consumer) handle(msg *message.Message) {
	var task dispatch.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		logger.Error("dropping undecodable task", "message_id", msg.UUID, "error", err)
		msg.Ack()
		return
	}

	if _, err := c.deliverer.DeliverChunk(msg.Context(), task); err != nil {
		logger.Error("chunk delivery failed, will retry", "message_id", msg.UUID, "drip_id", task.DripID, "error", err)
		msg.Nack()
		return
	}
	msg.Ack()
}
