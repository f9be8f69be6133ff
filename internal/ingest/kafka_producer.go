// Package ingest moves delivery position updates through Kafka: couriers'
// devices (or the HTTP push endpoint) publish, the server and the write-back
// consumer read.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/agromatch/internal/models"
)

// messageWriter is the part of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaProducer hashes on the order id so every update of one order lands
// on the same partition and is consumed in publish order.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, u models.PositionUpdate) error {
	if u.OrderID == "" {
		return fmt.Errorf("publish position: order id required: %w", models.ErrInvalidCriteria)
	}
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", u.OrderID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.OrderID), Value: b, Time: u.Timestamp}); err != nil {
		return fmt.Errorf("publish position %s: %w", u.OrderID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
