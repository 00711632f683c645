package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores enrichment results by provider and indicator key
type Cache interface {
	Get(ctx context.Context, key string) (*core.EnrichmentRecord, bool)
	Set(ctx context.Context, key string, rec core.EnrichmentRecord) error
}

// CacheKey builds the cache key for a provider lookup
func CacheKey(provider string, t core.IndicatorType, normalized string) string {
	return "enrich:" + provider + ":" + string(t) + ":" + normalized
}

// LRUCache is a bounded in-process cache with per-entry expiry
type LRUCache struct {
	lru *expirable.LRU[string, core.EnrichmentRecord]
}

// NewLRUCache creates a cache holding at most size entries for ttl each
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{lru: expirable.NewLRU[string, core.EnrichmentRecord](size, nil, ttl)}
}

// Get implements Cache
func (c *LRUCache) Get(ctx context.Context, key string) (*core.EnrichmentRecord, bool) {
	rec, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheMisses.WithLabelValues("lru").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("lru").Inc()
	return &rec, true
}

// Set implements Cache
func (c *LRUCache) Set(ctx context.Context, key string, rec core.EnrichmentRecord) error {
	c.lru.Add(key, rec)
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// maxRedisValueSize rejects oversized payloads
const maxRedisValueSize = 1 << 20

// RedisCache shares enrichment results between orchestrator instances
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// RedisConfig configures the Redis cache
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(cfg RedisConfig, logger *zap.SugaredLogger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisCache{client: client, ttl: cfg.TTL, logger: logger}
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get implements Cache. Redis errors are logged and reported as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (*core.EnrichmentRecord, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warnw("Redis cache get failed", "key", key, "error", err)
			metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}

	var rec core.EnrichmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warnw("Discarding malformed cache entry", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "unmarshal").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return &rec, true
}

// Set implements Cache
func (c *RedisCache) Set(ctx context.Context, key string, rec core.EnrichmentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "marshal").Inc()
		return fmt.Errorf("failed to marshal enrichment record: %w", err)
	}
	if len(data) > maxRedisValueSize {
		metrics.CacheErrors.WithLabelValues("redis", "size_limit").Inc()
		return fmt.Errorf("enrichment record of %d bytes exceeds %d byte limit", len(data), maxRedisValueSize)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
