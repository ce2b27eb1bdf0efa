package tilecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/pkg/types"
)

const keyPrefix = "gwss:tile"

// RedisCache keeps tiles as string values with an optional TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects using a redis:// URL and checks the server answers.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("tilecache: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("tilecache: ping redis: %w", err)
	}
	return NewRedisCacheFromClient(rdb, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client. ttl <= 0 keeps tiles forever.
func NewRedisCacheFromClient(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// TileKey is the redis key of one tile.
func TileKey(ref types.PipelineRef, t engine.Tile) string {
	return fmt.Sprintf("%s:%s:%d:%s", keyPrefix, ref, t.Resolution, t.Index)
}

func refPattern(ref types.PipelineRef) string {
	return fmt.Sprintf("%s:%s:*", keyPrefix, ref)
}

func (c *RedisCache) Has(ctx context.Context, ref types.PipelineRef, t engine.Tile) (bool, error) {
	n, err := c.rdb.Exists(ctx, TileKey(ref, t)).Result()
	if err != nil {
		return false, fmt.Errorf("tilecache: exists: %w", err)
	}
	return n == 1, nil
}

func (c *RedisCache) Get(ctx context.Context, ref types.PipelineRef, t engine.Tile) ([]byte, error) {
	data, err := c.rdb.Get(ctx, TileKey(ref, t)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("tilecache: get: %w", err)
	}
	return data, nil
}

func (c *RedisCache) Put(ctx context.Context, ref types.PipelineRef, t engine.Tile, data []byte) error {
	if err := c.rdb.Set(ctx, TileKey(ref, t), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("tilecache: set: %w", err)
	}
	return nil
}

// Purge scans in batches; keys written while it runs may survive.
func (c *RedisCache) Purge(ctx context.Context, ref types.PipelineRef) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, refPattern(ref), 500).Result()
		if err != nil {
			return removed, fmt.Errorf("tilecache: scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("tilecache: del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
