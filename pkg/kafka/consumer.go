// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer hands each message to a MessageHandler, retrying transient
// failures a bounded number of times before committing past the message.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

// MessageHandler is a callback invoked for each Kafka message. Headers are
// passed as a flat map.
type MessageHandler func(ctx context.Context, key []byte, value []byte, headers map[string]string) error

// ErrPoison marks a message that can never be processed. The consumer logs
// and commits it without retrying.
var ErrPoison = errors.New("unprocessable message")

// DefaultHandlerRetry bounds how often a failing message is handed to the
// handler before the consumer gives up on it.
var DefaultHandlerRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	handler MessageHandler
	retry   resilience.RetryConfig
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		retry:   DefaultHandlerRetry,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. A message is committed once the handler succeeds, reports
// it as poison, or has failed every retry attempt. A message whose handling
// is cut short by cancellation stays uncommitted and is fetched again by the
// next member of the group.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		if !c.process(ctx, msg) {
			c.logger.Info("consumer stopping with message uncommitted",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return c.reader.Close()
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// process runs the handler for msg and reports whether msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	c.logger.Debug("message received",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"value_size", len(msg.Value),
	)
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	op := fmt.Sprintf("handle %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	err := resilience.Retry(ctx, op, c.retry, func() error {
		err := c.handler(ctx, msg.Key, msg.Value, headers)
		if errors.Is(err, ErrPoison) {
			return resilience.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrPoison):
		c.logger.Warn("dropping unprocessable message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	default:
		c.logger.Error("giving up on message after retries",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempts", c.retry.MaxAttempts,
			"error", err,
		)
	}
	return true
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("%w: decoding kafka message: %v", ErrPoison, err)
	}
	return result, nil
}
