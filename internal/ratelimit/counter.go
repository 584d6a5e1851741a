package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"formbridge/internal/models"
	"formbridge/internal/repository"
)

// StoreCounter keeps buckets as RateLimitCounter rows in the shared store.
type StoreCounter struct {
	repo *repository.Repository
}

func NewStoreCounter(repo *repository.Repository) *StoreCounter {
	return &StoreCounter{repo: repo}
}

func (c *StoreCounter) Incr(ctx context.Context, key Key, start, expiresAt time.Time) (int64, error) {
	return c.repo.AddToBucket(ctx, key.Scope, key.ID, start, 1, expiresAt)
}

func (c *StoreCounter) Counts(ctx context.Context, key Key, starts []time.Time) ([]int64, error) {
	out := make([]int64, len(starts))
	if len(starts) == 0 {
		return out, nil
	}
	buckets, err := c.repo.Buckets(ctx, key.Scope, key.ID, starts[0], starts[len(starts)-1])
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int, len(starts))
	for i, s := range starts {
		index[s.Unix()] = i
	}
	for _, b := range buckets {
		if i, ok := index[b.Start.Unix()]; ok {
			out[i] = b.Count
		}
	}
	return out, nil
}

// RedisCounter keeps buckets as Redis integers expiring with EXPIREAT.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient builds a client from the counters.redis config.
func NewRedisClient(cfg models.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "formbridge:"}
}

func (c *RedisCounter) key(key Key, start time.Time) string {
	return c.prefix + repository.RatePK(key.Scope, key.ID) + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (c *RedisCounter) Incr(ctx context.Context, key Key, start, expiresAt time.Time) (int64, error) {
	k := c.key(key, start)
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, k, 1)
	pipe.ExpireAt(ctx, k, expiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", k, err)
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Counts(ctx context.Context, key Key, starts []time.Time) ([]int64, error) {
	out := make([]int64, len(starts))
	if len(starts) == 0 {
		return out, nil
	}
	keys := make([]string, len(starts))
	for i, s := range starts {
		keys[i] = c.key(key, s)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", key, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis bucket %s: %w", keys[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// Ping checks the Redis connection.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
