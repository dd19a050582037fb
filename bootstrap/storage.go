package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"vitaview/config"
	"vitaview/core"
	"vitaview/storage"

	"go.uber.org/zap"
)

// redisRetryDelays are the waits between Redis connection attempts
var redisRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// StorageComponents holds the optional backing stores. Either may be nil.
type StorageComponents struct {
	SQLite *storage.SQLite
	Redis  *core.RedisCache
}

// Close releases whatever was opened
func (s *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if s == nil {
		return
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite database", "error", err)
		}
	}
}

// InitStorage opens SQLite when a store needs it and Redis when enabled
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sc := &StorageComponents{}

	if cfg.NeedsSQLite() {
		path := cfg.GetSQLitePath()
		if err := EnsureDataDirectory(filepath.Dir(path), sugar); err != nil {
			return nil, fmt.Errorf("pre-flight check failed: %w", err)
		}
		sqlite, err := InitSQLite(path, sugar)
		if err != nil {
			return nil, err
		}
		sc.SQLite = sqlite
	}

	if cfg.Redis.Enabled {
		cache, err := InitRedis(ctx, cfg, sugar)
		if err != nil {
			sc.Close(sugar)
			return nil, err
		}
		sc.Redis = cache
	}

	return sc, nil
}

// InitSQLite opens the role assignment and audit database.
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", path)
	return sqlite, nil
}

// InitRedis connects to Redis with retry logic. In graceful mode a final
// failure returns a nil cache and the callers fall back to memory stores.
func InitRedis(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisCache, error) {
	maxRetries := len(redisRetryDelays)
	cache := core.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", redisRetryDelays[attempt-1])
			select {
			case <-time.After(redisRetryDelays[attempt-1]):
			case <-ctx.Done():
				cache.Close()
				return nil, ctx.Err()
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = cache.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			break
		}

		sugar.Warnw("Redis connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr == nil {
		sugar.Infow("Connected to Redis successfully", "addr", cfg.Redis.Addr)
		return cache, nil
	}

	cache.Close()
	if cfg.IsGracefulMode() {
		sugar.Warnw("Redis unavailable, falling back to in-memory stores",
			"addr", cfg.Redis.Addr,
			"error", lastErr)
		return nil, nil
	}

	printFatal("Redis Connection Failed", ClassifyRedisError(lastErr, cfg.Redis.Addr))
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries+1, lastErr)
}
