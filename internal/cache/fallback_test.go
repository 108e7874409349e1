package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratlab/internal/logger"
)

var errDown = errors.New("connection refused")

// flakyCache behaves like Redis until told to fail
type flakyCache struct {
	*MemoryCache
	fail atomic.Bool
}

func newFlaky() *flakyCache {
	return &flakyCache{MemoryCache: NewMemoryCache(100)}
}

func (f *flakyCache) Get(ctx context.Context, key string, dest interface{}) error {
	if f.fail.Load() {
		return errDown
	}
	return f.MemoryCache.Get(ctx, key, dest)
}

func (f *flakyCache) Set(ctx context.Context, key string, value interface{}, exp time.Duration) error {
	if f.fail.Load() {
		return errDown
	}
	return f.MemoryCache.Set(ctx, key, value, exp)
}

func (f *flakyCache) HealthCheck(context.Context) error {
	if f.fail.Load() {
		return errDown
	}
	return nil
}

func newManager(primary Cache) *CacheManager {
	cfg := DefaultFallbackConfig()
	cfg.FailureThreshold = 2
	cfg.HealthCheckInterval = 0
	return NewCacheManager(primary, nil, cfg, logger.NewNopLogger())
}

func TestCacheManagerFallback(t *testing.T) {
	primary := newFlaky()
	cm := newManager(primary)
	defer cm.Close()
	ctx := context.Background()

	require.NoError(t, cm.Set(ctx, "test_key", "test_value", time.Minute))
	var v string
	require.NoError(t, cm.Get(ctx, "test_key", &v))
	assert.Equal(t, "test_value", v)

	primary.fail.Store(true)

	// the memory copy keeps serving while failures accumulate
	require.NoError(t, cm.Get(ctx, "test_key", &v))
	assert.False(t, cm.InFallback())
	require.NoError(t, cm.Get(ctx, "test_key", &v))
	assert.True(t, cm.InFallback())

	require.NoError(t, cm.Set(ctx, "fallback_key", "fallback_value", time.Minute))
	require.NoError(t, cm.Get(ctx, "fallback_key", &v))
	assert.Equal(t, "fallback_value", v)
	require.NoError(t, cm.HealthCheck(ctx))

	stats := cm.GetStats()
	assert.True(t, stats.InFallback)
	assert.False(t, stats.RedisHealthy)
	assert.Equal(t, 1, stats.FallbackEvents)
	assert.Equal(t, "fallback_enabled", cm.Monitor().RecentEvents(1)[0].Type)
}

func TestCacheManagerRecovers(t *testing.T) {
	primary := newFlaky()
	cm := newManager(primary)
	defer cm.Close()
	ctx := context.Background()

	primary.fail.Store(true)
	cm.CheckHealth(ctx)
	cm.CheckHealth(ctx)
	require.True(t, cm.InFallback())

	primary.fail.Store(false)
	cm.CheckHealth(ctx)
	assert.True(t, cm.InFallback())
	cm.CheckHealth(ctx)
	assert.False(t, cm.InFallback())

	require.NoError(t, cm.Set(ctx, "k", 42, time.Minute))
	var v int
	require.NoError(t, primary.MemoryCache.Get(ctx, "k", &v))
	assert.Equal(t, 42, v)
}

func TestCacheManagerMissIsNotFailure(t *testing.T) {
	primary := newFlaky()
	cm := newManager(primary)
	defer cm.Close()
	ctx := context.Background()

	var v int
	for range 5 {
		assert.ErrorIs(t, cm.Get(ctx, "absent", &v), ErrCacheMiss)
	}
	assert.False(t, cm.InFallback())
	assert.Equal(t, int64(5), cm.GetStats().MissCount)
}

func TestCacheManagerFallbackDisabled(t *testing.T) {
	primary := newFlaky()
	cfg := FallbackConfig{Enabled: false, FailureThreshold: 1}
	cm := NewCacheManager(primary, nil, cfg, logger.NewNopLogger())
	defer cm.Close()

	primary.fail.Store(true)
	var v int
	for range 3 {
		_ = cm.Get(context.Background(), "k", &v)
	}
	assert.False(t, cm.InFallback())
	assert.Equal(t, 3, cm.Monitor().ConsecutiveFailures())
}
