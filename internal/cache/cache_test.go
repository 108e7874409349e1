package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/types"
)

type payload struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache(100)
	defer mc.Close()
	ctx := context.Background()

	// 基本操作
	t.Run("basic operations", func(t *testing.T) {
		in := payload{Name: "sharpe", Value: 1.5, At: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		require.NoError(t, mc.Set(ctx, "key1", in, time.Minute))

		var out payload
		require.NoError(t, mc.Get(ctx, "key1", &out))
		assert.Equal(t, in, out)

		ok, err := mc.Exists(ctx, "key1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, mc.Delete(ctx, "key1"))
		assert.ErrorIs(t, mc.Get(ctx, "key1", &out), ErrCacheMiss)
	})

	// 过期
	t.Run("expiration", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		mc.now = func() time.Time { return now }
		defer func() { mc.now = time.Now }()

		require.NoError(t, mc.Set(ctx, "expire_key", 1, time.Second))
		now = now.Add(2 * time.Second)

		var v int
		assert.True(t, IsMiss(mc.Get(ctx, "expire_key", &v)))
		ok, _ := mc.Exists(ctx, "expire_key")
		assert.False(t, ok)

		mc.cleanup()
		ok, _ = mc.Exists(ctx, "expire_key")
		assert.False(t, ok)
	})
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	mc := NewMemoryCache(2)
	defer mc.Close()
	ctx := context.Background()

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { tick = tick.Add(time.Millisecond); return tick }

	require.NoError(t, mc.Set(ctx, "a", 1, time.Hour))
	require.NoError(t, mc.Set(ctx, "b", 2, time.Hour))
	var v int
	require.NoError(t, mc.Get(ctx, "a", &v))
	require.NoError(t, mc.Set(ctx, "c", 3, time.Hour))

	assert.Equal(t, 2, mc.Size())
	assert.True(t, IsMiss(mc.Get(ctx, "b", &v)))
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)

	stats := mc.GetStats()
	assert.Equal(t, int64(1), stats.EvictionCount)
	assert.Equal(t, int64(1), stats.MissCount)
}

func TestMemoryCacheOverwriteDoesNotEvict(t *testing.T) {
	mc := NewMemoryCache(1)
	defer mc.Close()
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "a", 1, time.Hour))
	require.NoError(t, mc.Set(ctx, "a", 2, time.Hour))
	var v int
	require.NoError(t, mc.Get(ctx, "a", &v))
	assert.Equal(t, 2, v)
	assert.Zero(t, mc.GetStats().EvictionCount)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	mr := miniredis.RunT(t)
	rc := FromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })
	return mr, rc
}

func TestRedisCache(t *testing.T) {
	mr, rc := newRedis(t)
	ctx := context.Background()

	in := payload{Name: "calmar", Value: 2.25}
	require.NoError(t, rc.Set(ctx, "k", in, time.Minute))

	var out payload
	require.NoError(t, rc.Get(ctx, "k", &out))
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Value, out.Value)

	ok, err := rc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, rc.Get(ctx, "k", &out), ErrCacheMiss)

	require.NoError(t, rc.Set(ctx, "k2", "v", 0))
	require.NoError(t, rc.Delete(ctx, "k2"))
	ok, err = rc.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.HealthCheck(ctx))
}

func TestNewCache(t *testing.T) {
	log := logger.NewNopLogger()

	c, err := New(Config{}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
	c.Close()

	mr := miniredis.RunT(t)
	c, err = New(Config{Enabled: true, Addr: mr.Addr()}, log)
	require.NoError(t, err)
	assert.IsType(t, &RedisCache{}, c)
	c.Close()

	c, err = New(Config{Enabled: true, Addr: mr.Addr(), Fallback: FallbackConfig{Enabled: true}}, log)
	require.NoError(t, err)
	cm, ok := c.(*CacheManager)
	require.True(t, ok)
	assert.False(t, cm.InFallback())
	cm.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = New(Config{Enabled: true, Addr: addr}, log)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCacheConnection))

	c, err = New(Config{Enabled: true, Addr: addr, Fallback: FallbackConfig{Enabled: true}}, log)
	require.NoError(t, err)
	cm = c.(*CacheManager)
	assert.True(t, cm.InFallback())
	require.NoError(t, cm.Set(context.Background(), "k", 1, time.Minute))
	var v int
	require.NoError(t, cm.Get(context.Background(), "k", &v))
	assert.Equal(t, 1, v)
	cm.Close()
}

func TestRunStatusCache(t *testing.T) {
	_, rc := newRedis(t)
	sc := NewRunStatusCache(rc, time.Minute)
	ctx := context.Background()

	view := types.RunStatusView{
		RunID:    "run-1",
		Status:   types.RunStatusRunning,
		Progress: 50,
		Message:  "signal",
		Updated:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sc.SetStatus(ctx, view))

	got, err := sc.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, view, got)

	ok, err := rc.Exists(ctx, "run:status:run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = sc.GetStatus(ctx, "run-2")
	assert.True(t, IsMiss(err))
}
