package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vitaview/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxCacheValueSize caps a single JSON value (1MB). Sessions and block
// entries are a few hundred bytes; anything larger is a bug.
const maxCacheValueSize = 1 << 20

// RedisCache stores JSON values in Redis for the distributed session store
// and the WAF block list.
type RedisCache struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return NewRedisCacheFromClient(client, logger)
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Set stores a JSON-encoded value with expiration. Zero expiration keeps the key.
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := rc.encode(key, value)
	if err != nil {
		return err
	}
	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get decodes the value at key into dest. found is false when the key is absent.
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheMisses.WithLabelValues("redis").Inc()
			return false, nil
		}
		rc.logger.Errorw("Failed to get cache value", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		rc.logger.Errorw("Failed to unmarshal cache value", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "unmarshal").Inc()
		return false, fmt.Errorf("redis decode %s: %w", key, err)
	}

	metrics.CacheHits.WithLabelValues("redis").Inc()
	return true, nil
}

// Delete removes keys from the cache
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return rc.client.Del(ctx, keys...).Err()
}

// Exists checks if a key exists in the cache
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := rc.client.Exists(ctx, key).Result()
	return count > 0, err
}

// SetNX sets a value only if the key does not exist (atomic operation)
func (rc *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := rc.encode(key, value)
	if err != nil {
		return false, err
	}
	return rc.client.SetNX(ctx, key, data, expiration).Result()
}

// TTL returns the remaining TTL for a key
func (rc *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rc.client.TTL(ctx, key).Result()
}

// SAdd adds members to a set and refreshes its expiration.
func (rc *RedisCache) SAdd(ctx context.Context, key string, expiration time.Duration, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := rc.client.TxPipeline()
	pipe.SAdd(ctx, key, args...)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "sadd").Inc()
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (rc *RedisCache) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rc.client.SRem(ctx, key, args...).Err()
}

// SMembers returns the members of a set.
func (rc *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	return rc.client.SMembers(ctx, key).Result()
}

// Keys returns every key matching pattern using SCAN.
func (rc *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (rc *RedisCache) encode(key string, value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		rc.logger.Errorw("Failed to marshal cache value", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "marshal").Inc()
		return nil, err
	}
	if len(data) > maxCacheValueSize {
		metrics.CacheErrors.WithLabelValues("redis", "size_limit").Inc()
		return nil, fmt.Errorf("cache value size %d bytes exceeds maximum allowed size %d bytes", len(data), maxCacheValueSize)
	}
	return data, nil
}

// Cache keys for different data types
const (
	CacheKeySessionPrefix      = "session:"
	CacheKeyUserSessionsPrefix = "user_sessions:"
	CacheKeyWAFBlockPrefix     = "waf:block:"
)

// SessionKey generates a cache key for a session
func SessionKey(sessionID string) string {
	return CacheKeySessionPrefix + sessionID
}

// UserSessionsKey generates the key of the set indexing a user's sessions
func UserSessionsKey(userID string) string {
	return CacheKeyUserSessionsPrefix + userID
}

// WAFBlockKey generates the key of a temporary WAF block
func WAFBlockKey(ip string) string {
	return CacheKeyWAFBlockPrefix + ip
}
