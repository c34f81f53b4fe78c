package queue

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultTopic carries delivery chunks.
const DefaultTopic = "squeeze.drip-chunks"

// NewGoChannel returns one in-process pub/sub serving as both publisher
// and subscriber. Messages are lost on restart; unsent intents are picked
// up by the next send-drips sweep.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}

// NewSyncGoChannel is NewGoChannel with publishing blocked until a
// subscriber acks. A command-line run then returns only after its chunks
// have been delivered by the in-process consumer.
func NewSyncGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)
}

// KafkaConfig configures the Kafka channel.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// NewKafkaPublisher creates a Kafka publisher. Chunks are keyed by drip so
// one drip's chunks share a partition.
func NewKafkaPublisher(cfg KafkaConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka brokers not configured")
	}
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             partitionByDrip(),
			OverwriteSaramaConfig: saramaCfg,
			OTELEnabled:           true,
		},
		logger,
	)
}

// NewKafkaSubscriber creates a Kafka consumer-group subscriber.
func NewKafkaSubscriber(cfg KafkaConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka brokers not configured")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "cg-squeeze-worker"
	}
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           partitionByDrip(),
			OverwriteSaramaConfig: saramaCfg,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		logger,
	)
}

func partitionByDrip() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(MetadataDripID), nil
	})
}
