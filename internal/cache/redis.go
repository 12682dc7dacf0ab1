package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// RedisCache is a Redis-backed Cache shared across server replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis at addr and verifies the connection. A
// non-positive ttl falls back to DefaultTTL.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) SetCurrentState(ctx context.Context, entityTypeID, externalID string, state statevalue.Map, version uint64) error {
	stateJSON, err := state.JSON()
	if err != nil {
		return fmt.Errorf("encode cached state: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, stateKey(entityTypeID, externalID), string(stateJSON), c.ttl)
	pipe.Set(ctx, versionKey(entityTypeID, externalID), strconv.FormatUint(version, 10), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) GetCurrentState(ctx context.Context, entityTypeID, externalID string) (Entry, bool, error) {
	values, err := c.client.MGet(ctx, stateKey(entityTypeID, externalID), versionKey(entityTypeID, externalID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return Entry{}, false, nil
	}

	stateJSON, ok := values[0].(string)
	if !ok {
		return Entry{}, false, nil
	}
	versionText, ok := values[1].(string)
	if !ok {
		return Entry{}, false, nil
	}

	state, err := statevalue.ParseMap([]byte(stateJSON))
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode cached state: %w", err)
	}
	version, err := strconv.ParseUint(versionText, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode cached version: %w", err)
	}
	return Entry{State: state, Version: version}, true, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, entityTypeID, externalID string) error {
	if err := c.client.Del(ctx, stateKey(entityTypeID, externalID), versionKey(entityTypeID, externalID)).Err(); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
