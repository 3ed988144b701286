package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
)

const purgeBatch = 100

// RedisTier keeps compressed scan results in Redis so API replicas share
// them. Every key it touches carries the scan: prefix.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier connects and verifies the connection with a PING.
func NewRedisTier(cfg config.RedisConfig) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisTier{rdb: rdb}, nil
}

// Load returns the stored result bytes. A missing key is a miss, not an
// error.
func (t *RedisTier) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading %s: %w", key, err)
	}
	return data, true, nil
}

func (t *RedisTier) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := t.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Purge unlinks every cached scan result and returns how many keys went.
func (t *RedisTier) Purge(ctx context.Context) (int64, error) {
	var deleted int64
	batch := make([]string, 0, purgeBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := t.rdb.Unlink(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}
	iter := t.rdb.Scan(ctx, 0, keyPrefix+"*", purgeBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == purgeBatch {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("unlinking cached results: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning cached results: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("unlinking cached results: %w", err)
	}
	return deleted, nil
}

func (t *RedisTier) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTier) Close() error {
	return t.rdb.Close()
}
