// Package publisher streams scan matches to Kafka as MatchEvents. Events are
// buffered in memory and flushed in batches, either when the buffer reaches
// the batch size or on a timer.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

// MatchEvent is the message value published for every reported match. Seq
// is the match's position within its scan.
type MatchEvent struct {
	ScanID     string           `json:"scanId"`
	Seq        int              `json:"seq"`
	TypeName   string           `json:"typeName"`
	Kind       unit.ElementKind `json:"kind"`
	MemberName string           `json:"memberName"`
	Marker     string           `json:"marker"`
	Descriptor string           `json:"descriptor,omitempty"`
	ReportedAt time.Time        `json:"reportedAt"`
}

// EventPublisher is the part of kafka.Producer the publisher needs.
type EventPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Retry         resilience.RetryConfig
	Breaker       resilience.CircuitBreakerConfig
}

// Publisher buffers match events and writes them through a circuit breaker.
// A failed batch is re-queued ahead of newer events; the buffer is capped at
// three batches and the oldest surplus is dropped.
type Publisher struct {
	producer      EventPublisher
	breaker       *resilience.CircuitBreaker
	retry         resilience.RetryConfig
	metrics       *metrics.Metrics
	mu            sync.Mutex
	flushMu       sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// New creates a Publisher. m may be nil.
func New(producer EventPublisher, cfg Config, m *metrics.Metrics) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	p := &Publisher{
		producer:      producer,
		retry:         cfg.Retry,
		metrics:       m,
		buffer:        make([]kafka.Event, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        slog.Default().With("component", "match-publisher"),
		done:          make(chan struct{}),
	}
	breakerCfg := cfg.Breaker
	if m != nil && breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	p.breaker = resilience.NewCircuitBreaker("match-events", breakerCfg)
	return p
}

// Start launches the background flush loop. It stops when ctx is cancelled,
// after a final flush.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("match publisher started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// Track buffers one match of scanID. Reaching the batch size triggers a
// background flush.
func (p *Publisher) Track(scanID string, seq int, m unit.Match) {
	event := kafka.Event{
		Key: scanID,
		Value: MatchEvent{
			ScanID:     scanID,
			Seq:        seq,
			TypeName:   m.TypeName,
			Kind:       m.Kind,
			MemberName: m.MemberName,
			Marker:     m.Marker,
			Descriptor: m.Descriptor,
			ReportedAt: time.Now().UTC(),
		},
		Headers: map[string]string{"scan_id": scanID, "marker": m.Marker},
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, event)
	shouldFlush := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if shouldFlush {
		go p.flush(context.Background())
	}
}

// Reporter returns a scanner.Reporter that tracks every match of one scan,
// numbering them in report order.
func (p *Publisher) Reporter(scanID string) scanner.Reporter {
	seq := 0
	return scanner.ReporterFunc(func(m unit.Match) {
		p.Track(scanID, seq, m)
		seq++
	})
}

// Flush publishes everything buffered so far and reports the outcome.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.flush(ctx)
}

// Close waits for the background flush loop to finish.
func (p *Publisher) Close() {
	<-p.done
}

// BufferLen returns the current number of buffered events.
func (p *Publisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// BreakerState exposes the breaker for health checks.
func (p *Publisher) BreakerState() resilience.State {
	return p.breaker.State()
}

func (p *Publisher) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, "publish-match-events", p.retry, func() error {
			return p.producer.PublishBatch(ctx, batch)
		})
	})
	if err != nil {
		p.logger.Error("batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		p.count("failed", len(batch))
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if limit := p.batchSize * 3; len(p.buffer) > limit {
			dropped := len(p.buffer) - limit
			p.buffer = p.buffer[dropped:]
			p.count("dropped", dropped)
			p.logger.Warn("buffer overflow, events dropped", "dropped", dropped)
		}
		p.mu.Unlock()
		return err
	}

	p.count("published", len(batch))
	p.logger.Debug("batch flushed", "events", len(batch))
	return nil
}

func (p *Publisher) count(status string, n int) {
	if p.metrics != nil {
		p.metrics.EventsPublishedTotal.WithLabelValues(status).Add(float64(n))
	}
}
