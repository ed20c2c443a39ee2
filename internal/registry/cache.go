package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-pairing/internal/observability"
)

// Cache fronts the durable store for reads that miss the in-memory view.
// Failures are treated as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// LocalCache is a process-local TTL cache.
type LocalCache struct {
	items *ttlcache.Cache[string, []byte]
}

func NewLocalCache() *LocalCache {
	c := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &LocalCache{items: c}
}

func (l *LocalCache) Get(_ context.Context, key string) ([]byte, bool) {
	item := l.items.Get(key)
	if item == nil {
		observability.CacheLookups.WithLabelValues("local", "miss").Inc()
		return nil, false
	}
	observability.CacheLookups.WithLabelValues("local", "hit").Inc()
	return item.Value(), true
}

func (l *LocalCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	l.items.Set(key, val, ttl)
}

func (l *LocalCache) Delete(_ context.Context, keys ...string) {
	for _, k := range keys {
		l.items.Delete(k)
	}
}

// Close stops the expiry loop.
func (l *LocalCache) Close() { l.items.Stop() }

// RedisCache shares cached reads across instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, prefix string, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis cache get failed", "key", key, "error", err)
		}
		observability.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, false
	}
	observability.CacheLookups.WithLabelValues("redis", "hit").Inc()
	return b, true
}

func (r *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		r.logger.Warn("redis cache set failed", "key", key, "error", err)
	}
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		r.logger.Warn("redis cache delete failed", "keys", keys, "error", err)
	}
}

func (r *RedisCache) Close() error { return r.client.Close() }

func searchKey(userID string) string { return "search:" + userID }

// SearchCacheKey is the cache key of one search, without any prefix.
func SearchCacheKey(userID string) string { return searchKey(userID) }

func activeKey(role string) string { return "searches:active:" + role }

func matchKey(matchID string) string { return "match:" + matchID }
