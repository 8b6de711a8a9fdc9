package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL  = 24 * time.Hour
	cacheKeyPrefix   = "visitor-garden:geo:"
	redisPingTimeout = 2 * time.Second
)

// Cache stores country codes per IP.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache keeps lookups in redis or valkey.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses a redis:// or rediss:// URL and checks connectivity.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	options, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("geo: parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("geo: connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, cacheKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err()
}

// Close releases the redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachingProvider answers from the cache and remembers successful inner lookups.
// Failed lookups are not cached.
type CachingProvider struct {
	inner  Provider
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachingProvider wraps inner with cache. A nil cache returns inner unchanged.
func NewCachingProvider(inner Provider, cache Cache, ttl time.Duration, logger *zap.Logger) Provider {
	if cache == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingProvider{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (p *CachingProvider) Name() string {
	return "cached:" + p.inner.Name()
}

func (p *CachingProvider) Country(ctx context.Context, ip string) (string, error) {
	key := strings.TrimSpace(ip)
	if key == "" {
		return p.inner.Country(ctx, ip)
	}

	if cached, ok, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Debug("geo cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	code, err := p.inner.Country(ctx, ip)
	if err != nil {
		return "", err
	}
	if err := p.cache.Set(ctx, key, code, p.ttl); err != nil {
		p.logger.Debug("geo cache write failed", zap.Error(err))
	}
	return code, nil
}
