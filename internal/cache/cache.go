package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encodable values by key
type Cache interface {
	// Get decodes the value stored at key into dest
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config configures the cache layer
type Config struct {
	Enabled       bool           `yaml:"enabled"`
	Addr          string         `yaml:"addr"`
	Password      string         `yaml:"password"`
	DB            int            `yaml:"db"`
	PoolSize      int            `yaml:"pool_size"`
	MemoryMaxSize int            `yaml:"memory_max_size"`
	StatusTTL     time.Duration  `yaml:"status_ttl"`
	BarTTL        time.Duration  `yaml:"bar_ttl"`
	Fallback      FallbackConfig `yaml:"fallback"`
}

// IsMiss reports whether err is a cache miss
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
