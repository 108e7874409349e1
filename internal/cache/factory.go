package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
)

// New builds the configured cache. A disabled cache is memory only. With
// fallback enabled an unreachable Redis starts the manager in fallback mode
// instead of failing startup.
func New(cfg Config, log logger.Logger) (Cache, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	memory := NewMemoryCache(cfg.MemoryMaxSize)
	if !cfg.Enabled {
		log.Info("Redis disabled, using memory cache", "max_size", memory.maxSize)
		return memory, nil
	}

	rc := FromClient(redis.NewClient(redisOptions(cfg)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rc.HealthCheck(ctx)

	if !cfg.Fallback.Enabled {
		if err != nil {
			rc.Close()
			memory.Close()
			return nil, apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to connect to Redis", err)
		}
		memory.Close()
		log.Info("Redis connection established", "addr", cfg.Addr)
		return rc, nil
	}

	cm := NewCacheManager(rc, memory, cfg.Fallback, log)
	if err != nil {
		log.Warn("Redis unavailable, starting in fallback mode", "addr", cfg.Addr, "error", err)
		cm.enableFallback("startup")
	} else {
		log.Info("Redis connection established", "addr", cfg.Addr)
	}
	return cm, nil
}
