package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ResponseCache 已完成响应的读缓存，Postgres 仍是唯一可信来源
type ResponseCache interface {
	Get(ctx context.Context, userID uuid.UUID, key Key) (*Response, bool)
	Put(ctx context.Context, userID uuid.UUID, key Key, resp Response)
}

// RedisCache 用 Redis 缓存已完成的响应
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache ttl 一般与幂等键保留时长一致
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(userID uuid.UUID, key Key) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// Get 缓存未命中或 Redis 不可用时返回 false
func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID, key Key) (*Response, bool) {
	data, err := c.rdb.Get(ctx, cacheKey(userID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Redis 挂了不影响正确性，回退到数据库
			c.logger.Warn("Idempotency cache read failed, falling back to database",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("Discarding corrupt idempotency cache entry",
			zap.String("cache_key", cacheKey(userID, key)),
			zap.Error(err),
		)
		return nil, false
	}
	return &resp, true
}

// Put 写入失败只记录日志
func (c *RedisCache) Put(ctx context.Context, userID uuid.UUID, key Key, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("Failed to encode idempotent response for cache", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(userID, key), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Idempotency cache write failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
