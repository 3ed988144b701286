// Package cache memoizes scan results. A bounded in-process LRU answers
// repeated requests; an optional Redis tier shares zstd-compressed results
// between API replicas. Keys combine the prepared request with a fingerprint
// of the scanned roots, so any change under a root misses the cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanjob"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/resilience"
)

const keyPrefix = "scan:"

// SharedTier stores encoded results across replicas. RedisTier is the
// production implementation.
type SharedTier interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Purge(ctx context.Context) (int64, error)
}

type ResultCache struct {
	local   *expirable.LRU[string, *scanjob.Result]
	shared  SharedTier
	breaker *resilience.CircuitBreaker
	ttl     time.Duration
	group   singleflight.Group
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache holding up to entries results for ttl. shared and m
// may be nil.
// While the shared tier keeps failing, a breaker skips it and the cache
// runs on the local tier alone.
func New(entries int, ttl time.Duration, shared SharedTier, m *metrics.Metrics) (*ResultCache, error) {
	if entries <= 0 {
		entries = 256
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	breakerCfg := resilience.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second}
	if m != nil {
		breakerCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &ResultCache{
		local:   expirable.NewLRU[string, *scanjob.Result](entries, nil, ttl),
		shared:  shared,
		breaker: resilience.NewCircuitBreaker("result-cache-shared", breakerCfg),
		ttl:     ttl,
		encoder: enc,
		decoder: dec,
		metrics: m,
		logger:  slog.Default().With("component", "result-cache"),
	}, nil
}

// Get looks key up in the local tier, then the shared tier. A shared hit is
// promoted to the local tier.
func (c *ResultCache) Get(ctx context.Context, key string) (*scanjob.Result, bool) {
	if result, ok := c.local.Get(key); ok {
		c.hit("local")
		return result, true
	}
	if c.shared == nil {
		c.miss()
		return nil, false
	}
	var data []byte
	var found bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, found, err = c.shared.Load(ctx, key)
		return err
	})
	if err != nil {
		c.logSharedError("cache get failed", key, err)
		c.miss()
		return nil, false
	}
	if !found {
		c.miss()
		return nil, false
	}
	result, err := c.decode(data)
	if err != nil {
		c.logger.Error("cache decode failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.local.Add(key, result)
	c.hit("redis")
	return result, true
}

// Set stores result in both tiers. Shared-tier failures are logged only.
func (c *ResultCache) Set(ctx context.Context, key string, result *scanjob.Result) {
	c.local.Add(key, result)
	if c.shared == nil {
		return
	}
	data, err := c.encode(result)
	if err != nil {
		c.logger.Error("cache encode failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.shared.Store(ctx, key, data, c.ttl)
	})
	if err != nil {
		c.logSharedError("cache set failed", key, err)
	}
}

// GetOrCompute returns the cached result for key or runs computeFn once per
// key across concurrent callers. The bool reports a cache hit.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	key string,
	computeFn func() (*scanjob.Result, error),
) (*scanjob.Result, bool, error) {
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.local.Get(key); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(context.WithoutCancel(ctx), key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*scanjob.Result), false, nil
}

// Invalidate empties the local tier and deletes every shared key.
func (c *ResultCache) Invalidate(ctx context.Context) error {
	c.local.Purge()
	if c.shared == nil {
		c.logger.Info("cache invalidate", "tier", "local")
		return nil
	}
	deleted, err := c.shared.Purge(ctx)
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

// SharedState reports the shared tier's breaker. Without a shared tier it is
// always closed.
func (c *ResultCache) SharedState() resilience.State {
	return c.breaker.State()
}

func (c *ResultCache) logSharedError(msg, key string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Debug(msg, "key", key, "error", err)
		return
	}
	c.logger.Error(msg, "key", key, "error", err)
}

// Stats returns hit and miss counts and the local tier size.
func (c *ResultCache) Stats() (hits, misses int64, entries int) {
	return c.hits.Load(), c.misses.Load(), c.local.Len()
}

func (c *ResultCache) encode(result *scanjob.Result) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func (c *ResultCache) decode(data []byte) (*scanjob.Result, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	var result scanjob.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}
	return &result, nil
}

func (c *ResultCache) hit(tier string) {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
