package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/observability"
)

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Handler processes one decoded position update.
type Handler func(ctx context.Context, u models.PositionUpdate) error

type Consumer struct {
	reader Reader
	handle Handler
	logger *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, group string, handle Handler, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return NewConsumerFromReader(r, handle, logger)
}

func NewConsumerFromReader(r Reader, handle Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		handle:     handle,
		logger:     logger,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Decode parses a position message. Messages without an order id or a
// timestamp are rejected.
func Decode(b []byte) (models.PositionUpdate, error) {
	var u models.PositionUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return models.PositionUpdate{}, fmt.Errorf("decode position: %w", err)
	}
	if u.OrderID == "" {
		return models.PositionUpdate{}, fmt.Errorf("position without order id: %w", models.ErrInvalidCriteria)
	}
	if u.Timestamp.IsZero() {
		return models.PositionUpdate{}, fmt.Errorf("position for %s without timestamp: %w", u.OrderID, models.ErrInvalidCriteria)
	}
	return u, nil
}

// Run reads until ctx is cancelled. Read errors back off exponentially;
// undecodable messages and handler failures are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.MinBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer_stopped")
				return nil
			}
			c.logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				c.logger.Info("consumer_stopped")
				return nil
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		backoff = c.MinBackoff

		u, err := Decode(m.Value)
		if err != nil {
			observability.IngestMessages.WithLabelValues("invalid").Inc()
			c.logger.Warn("invalid_message", "error", err, "partition", m.Partition, "offset", m.Offset)
			continue
		}
		if err := c.handle(ctx, u); err != nil {
			switch {
			case errors.Is(err, models.ErrStaleUpdate), errors.Is(err, models.ErrDeliveryNotFound):
				observability.IngestMessages.WithLabelValues("skipped").Inc()
				c.logger.Debug("position_skipped", "order_id", u.OrderID, "error", err)
			default:
				observability.IngestMessages.WithLabelValues("failed").Inc()
				c.logger.Error("position_handler_failed", "order_id", u.OrderID, "error", err)
			}
			continue
		}
		observability.IngestMessages.WithLabelValues("handled").Inc()
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
