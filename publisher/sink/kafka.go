package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/publisher"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires at least one broker address")
		}
		return NewKafkaSink(config.Brokers), nil
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a Kafka sink with synchronous, fully acknowledged
// writes; partitioning hashes the row key so changes to one row stay on
// one partition.
func NewKafkaSink(brokers []string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              DefaultKafkaBatchSize,
		BatchBytes:             DefaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}
}

// Publish sends a message to Kafka
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Close releases the Kafka writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
