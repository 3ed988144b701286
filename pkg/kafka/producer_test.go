package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

func TestEncodeEvents(t *testing.T) {
	messages, err := encodeEvents([]Event{
		{Key: "scan-1", Value: map[string]string{"marker": "app.M"}, Headers: map[string]string{"event-type": "match"}},
		{Key: "scan-1", Value: 2},
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "scan-1", string(messages[0].Key))
	assert.JSONEq(t, `{"marker":"app.M"}`, string(messages[0].Value))
	require.Len(t, messages[0].Headers, 1)
	assert.Equal(t, "event-type", messages[0].Headers[0].Key)
	assert.Equal(t, "2", string(messages[1].Value))
}

func TestEncodeEventsFailureIsPermanent(t *testing.T) {
	_, err := encodeEvents([]Event{{Key: "ok", Value: 1}, {Key: "bad", Value: make(chan int)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "bad"`)

	attempts := 0
	retryErr := resilience.Retry(t.Context(), "encode", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		attempts++
		return err
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorContains(t, retryErr, `key "bad"`)
	assert.NotContains(t, retryErr.Error(), "attempts")
}
