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

// Event is one record for the match-event topic. Events sharing a Key land
// on the same partition and keep their order.
type Event struct {
	Key     string
	Value   any
	Headers map[string]string
}

// Producer writes JSON events to one topic. It makes a single attempt per
// batch; callers wrap PublishBatch in resilience.Retry.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// encodeEvents turns events into messages. An event that cannot be encoded
// fails the whole batch permanently.
func encodeEvents(events []Event) ([]kafka.Message, error) {
	messages := make([]kafka.Message, 0, len(events))
	for i, event := range events {
		value, err := json.Marshal(event.Value)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encoding event %d (key %q): %w", i, event.Key, err))
		}
		msg := kafka.Message{Key: []byte(event.Key), Value: value}
		for k, v := range event.Headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// PublishBatch writes events in one call. Nothing is written when an event
// fails to encode.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	messages, err := encodeEvents(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		var partial kafka.WriteErrors
		if errors.As(err, &partial) {
			p.logger.Warn("batch partially written", "count", len(messages), "failed", partial.Count())
		}
		return fmt.Errorf("writing %d events to %s: %w", len(messages), p.writer.Topic, err)
	}
	p.logger.Debug("batch published", "count", len(messages))
	return nil
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}
