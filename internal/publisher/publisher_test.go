package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

type fakeProducer struct {
	mu     sync.Mutex
	calls  int
	events []kafka.Event
	err    error
}

func (f *fakeProducer) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeProducer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProducer) snapshot() (int, []kafka.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]kafka.Event(nil), f.events...)
}

func testConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		Retry:         resilience.RetryConfig{MaxAttempts: 1},
		Breaker:       resilience.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour},
	}
}

func matches() []unit.Match {
	return []unit.Match{
		{TypeName: "app.A", Kind: unit.KindType, MemberName: unit.TypeMemberName, Marker: "app.M"},
		{TypeName: "app.A", Kind: unit.KindMethod, MemberName: "run", Marker: "app.M", Descriptor: "()V"},
		{TypeName: "app.B", Kind: unit.KindField, MemberName: "id", Marker: "app.N"},
	}
}

func TestReporterFlushKeepsOrder(t *testing.T) {
	fake := &fakeProducer{}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	p := New(fake, testConfig(), m)

	rep := p.Reporter("scan-1")
	for _, mt := range matches() {
		rep.Report(mt)
	}
	assert.Equal(t, 3, p.BufferLen())
	require.NoError(t, p.Flush(context.Background()))
	assert.Zero(t, p.BufferLen())

	_, events := fake.snapshot()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, "scan-1", e.Key)
		assert.Equal(t, "scan-1", e.Headers["scan_id"])
		ev, ok := e.Value.(MatchEvent)
		require.True(t, ok)
		assert.Equal(t, i, ev.Seq)
		assert.Equal(t, matches()[i].TypeName, ev.TypeName)
		assert.Equal(t, matches()[i].Kind, ev.Kind)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("published")))
}

func TestFailedFlushRequeues(t *testing.T) {
	fake := &fakeProducer{err: errors.New("broker down")}
	p := New(fake, testConfig(), nil)
	rep := p.Reporter("scan-2")
	for _, mt := range matches() {
		rep.Report(mt)
	}

	assert.Error(t, p.Flush(context.Background()))
	assert.Equal(t, 3, p.BufferLen(), "failed batch is kept")

	fake.setErr(nil)
	require.NoError(t, p.Flush(context.Background()))
	_, events := fake.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].Value.(MatchEvent).Seq)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	fake := &fakeProducer{err: errors.New("broker down")}
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	p := New(fake, cfg, m)

	p.Track("scan-3", 0, matches()[0])
	require.Error(t, p.Flush(context.Background()))
	assert.Equal(t, resilience.StateOpen, p.BreakerState())
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("match-events")))

	err := p.Flush(context.Background())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	calls, _ := fake.snapshot()
	assert.Equal(t, 1, calls, "open breaker short-circuits the producer")
}

func TestFlushEmptyIsNoop(t *testing.T) {
	fake := &fakeProducer{}
	p := New(fake, testConfig(), nil)
	require.NoError(t, p.Flush(context.Background()))
	calls, _ := fake.snapshot()
	assert.Zero(t, calls)
}

func TestStartFlushesOnShutdown(t *testing.T) {
	fake := &fakeProducer{}
	p := New(fake, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	p.Track("scan-4", 0, matches()[1])
	cancel()
	p.Close()

	_, events := fake.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "scan-4", events[0].Key)
}
