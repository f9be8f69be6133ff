package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/agromatch/internal/models"
)

// Cache stores successful routes keyed by their endpoints.
type Cache interface {
	Get(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, bool)
	Set(ctx context.Context, start, end models.GeoPoint, route models.RouteResult)
}

func keyFor(a, b models.GeoPoint) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	route models.RouteResult
	ts    time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns the cached route and true if present and not expired.
func (c *MemoryCache) Get(_ context.Context, start, end models.GeoPoint) (models.RouteResult, bool) {
	k := keyFor(start, end)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.RouteResult{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.RouteResult{}, false
	}
	return e.route, true
}

func (c *MemoryCache) Set(_ context.Context, start, end models.GeoPoint, route models.RouteResult) {
	k := keyFor(start, end)
	c.mu.Lock()
	c.store[k] = cacheEntry{route: route, ts: c.now()}
	c.mu.Unlock()
}

// RedisCache shares routes between API replicas as JSON under route:<key>.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, start, end models.GeoPoint) (models.RouteResult, bool) {
	raw, err := c.client.Get(ctx, "route:"+keyFor(start, end)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("route cache get failed", err)
		}
		return models.RouteResult{}, false
	}
	var route models.RouteResult
	if err := json.Unmarshal(raw, &route); err != nil {
		c.warn("route cache entry corrupt", err)
		return models.RouteResult{}, false
	}
	return route, true
}

func (c *RedisCache) Set(ctx context.Context, start, end models.GeoPoint, route models.RouteResult) {
	raw, err := json.Marshal(route)
	if err != nil {
		c.warn("route cache encode failed", err)
		return
	}
	if err := c.client.Set(ctx, "route:"+keyFor(start, end), raw, c.ttl).Err(); err != nil {
		c.warn("route cache set failed", err)
	}
}

func (c *RedisCache) warn(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, "error", err)
	}
}
