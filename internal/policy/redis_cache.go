// Package policy caches project label policies in Redis in front of the
// store.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"changequery/internal/store"
)

// DefaultTTL bounds how stale a cached policy may be.
const DefaultTTL = 30 * time.Second

// Source is the authoritative policy lookup behind the cache.
type Source interface {
	Policy(ctx context.Context, project string) (store.ProjectPolicy, error)
}

// RedisCache is a read-through policy cache. Redis failures are logged and
// served from the source, so the cache never makes a lookup fail.
type RedisCache struct {
	client *redis.Client
	next   Source
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to redisURL and wraps next.
func NewRedisCache(redisURL string, next Source, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, next, ttl, logger), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, next Source, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		next:   next,
		prefix: "policy:",
		ttl:    ttl,
		logger: logger.With("component", "policy.cache"),
	}
}

func (c *RedisCache) key(project string) string {
	return c.prefix + project
}

// Policy returns the cached policy of project, loading it from the source on
// a miss. Missing projects are not cached.
func (c *RedisCache) Policy(ctx context.Context, project string) (store.ProjectPolicy, error) {
	raw, err := c.client.Get(ctx, c.key(project)).Bytes()
	switch {
	case err == nil:
		var p store.ProjectPolicy
		if err := json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
		c.logger.Warn("discarding undecodable cached policy", "project", project)
	case errors.Is(err, redis.Nil):
	case ctx.Err() != nil:
		return store.ProjectPolicy{}, ctx.Err()
	default:
		c.logger.Warn("policy cache read failed", "project", project, "err", err)
	}

	p, err := c.next.Policy(ctx, project)
	if err != nil {
		return store.ProjectPolicy{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.client.Set(ctx, c.key(project), data, c.ttl).Err(); err != nil {
			c.logger.Warn("policy cache write failed", "project", project, "err", err)
		}
	}
	return p, nil
}

// Invalidate drops the cached policy of project.
func (c *RedisCache) Invalidate(ctx context.Context, project string) error {
	if err := c.client.Del(ctx, c.key(project)).Err(); err != nil {
		return fmt.Errorf("invalidate policy %s: %w", project, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
