package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

// RedisClient abstracts the Redis operations used by RedisMirror.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	rdb *redis.Client
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.rdb.HSet(ctx, key, values...).Err()
}

// NewRedisClient wraps a go-redis client.
func NewRedisClient(rdb *redis.Client) RedisClient {
	return goRedisClient{rdb: rdb}
}

// DialRedis connects to Redis and checks the connection.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisMirror copies the latest quotes into Redis hashes:
//
//	Key:    quote:{exchange}:{symbol}
//	Fields: price, high, low, volume, currency, ts
//
// A quote whose price has not changed since the last successful write is
// skipped.
type RedisMirror struct {
	client RedisClient

	mu   sync.Mutex
	last map[string]string // key -> price
}

// NewRedisMirror creates a RedisMirror.
func NewRedisMirror(client RedisClient) *RedisMirror {
	return &RedisMirror{
		client: client,
		last:   make(map[string]string),
	}
}

// Name identifies the sink in logs.
func (m *RedisMirror) Name() string { return "redis" }

// SaveQuotes writes every changed quote. Failed keys are retried on the next
// call since their price is not remembered.
func (m *RedisMirror) SaveQuotes(ctx context.Context, quotes []model.ExchangeQuote) error {
	var errs []error
	for _, q := range quotes {
		key := "quote:" + q.Exchange + ":" + q.Symbol
		price := q.Price.String()

		m.mu.Lock()
		prev, seen := m.last[key]
		m.mu.Unlock()
		if seen && prev == price {
			continue
		}

		err := m.client.HSet(ctx, key,
			"price", price,
			"high", q.High24h.String(),
			"low", q.Low24h.String(),
			"volume", q.Volume24h.String(),
			"currency", string(q.Currency),
			"ts", strconv.FormatInt(q.Timestamp.UnixMilli(), 10),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("hset %s: %w", key, err))
			continue
		}

		m.mu.Lock()
		m.last[key] = price
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}
