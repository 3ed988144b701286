package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

// fakeReader hands out queued messages and cancels the consume loop once
// they run out.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		f.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestConsumer(offsets int, handler MessageHandler) (*Consumer, *fakeReader, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel}
	for i := 0; i < offsets; i++ {
		reader.msgs = append(reader.msgs, kafka.Message{Topic: "scan-requests", Offset: int64(i), Value: []byte(fmt.Sprint(i))})
	}
	c := &Consumer{
		reader:  reader,
		logger:  slog.Default(),
		handler: handler,
		retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	return c, reader, ctx
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	attempts := map[string]int{}
	c, reader, ctx := newTestConsumer(4, func(_ context.Context, _ []byte, value []byte, _ map[string]string) error {
		attempts[string(value)]++
		switch string(value) {
		case "1":
			if attempts["1"] < 3 {
				return errors.New("database unavailable")
			}
		case "2":
			return fmt.Errorf("%w: bad body", ErrPoison)
		case "3":
			return errors.New("always failing")
		}
		return nil
	})

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, []int64{0, 1, 2, 3}, reader.committed)
	assert.Equal(t, 1, attempts["0"])
	assert.Equal(t, 3, attempts["1"], "succeeds on the last attempt")
	assert.Equal(t, 1, attempts["2"], "poison is not retried")
	assert.Equal(t, 3, attempts["3"], "given up after the bounded attempts")
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	var reader *fakeReader
	c, reader, ctx := newTestConsumer(2, func(ctx context.Context, _ []byte, value []byte, _ map[string]string) error {
		if string(value) == "1" {
			reader.cancel()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, []int64{0}, reader.committed)
	assert.True(t, reader.closed)
}

func TestDecodeJSONMarksPoison(t *testing.T) {
	_, err := DecodeJSON[map[string]string]([]byte(`{"a":`))
	assert.ErrorIs(t, err, ErrPoison)

	v, err := DecodeJSON[map[string]string]([]byte(`{"a":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "b", v["a"])
}
