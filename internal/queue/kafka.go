package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaQueue publishes sends onto a Kafka topic, keyed by customer so one
// customer's emails stay ordered within a partition.
type KafkaQueue struct {
	writer *kafka.Writer
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, send EmailSend) error {
	value, err := json.Marshal(send)
	if err != nil {
		return fmt.Errorf("marshal email send: %w", err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(send.TenantID + ":" + send.CustomerID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("enqueue email send: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
