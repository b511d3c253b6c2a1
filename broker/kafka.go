package broker

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaQueue is a MessageQueue backed by a Kafka producer
type KafkaQueue struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaQueue(brokers, topic string) (*KafkaQueue, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"retries":           3,
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaQueue{
		producer: producer,
		topic:    topic,
	}, nil
}

// Publish waits for the delivery report or ctx, whichever comes first
func (k *KafkaQueue) Publish(ctx context.Context, key string, data []byte) error {
	// buffered so a late delivery report never blocks the producer
	deliveryChan := make(chan kafka.Event, 1)

	err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: data,
	}, deliveryChan)
	if err != nil {
		return err
	}

	select {
	case e := <-deliveryChan:
		if msg, ok := e.(*kafka.Message); ok && msg.TopicPartition.Error != nil {
			return msg.TopicPartition.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages for up to five seconds
func (k *KafkaQueue) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	return nil
}
