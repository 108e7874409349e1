package market

import (
	"context"
	"fmt"
	"time"

	"stratlab/internal/logger"
	"stratlab/internal/types"
)

// BarCache is the subset of a key/value cache used to memoize fetches
type BarCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// CachedProvider memoizes an upstream provider. Empty results are not cached
// so data that arrives later is picked up.
type CachedProvider struct {
	upstream Provider
	cache    BarCache
	ttl      time.Duration
	log      logger.Logger
}

// NewCachedProvider wraps upstream with cache
func NewCachedProvider(upstream Provider, cache BarCache, ttl time.Duration, log logger.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &CachedProvider{upstream: upstream, cache: cache, ttl: ttl, log: log}
}

// Fetch serves from cache when possible
func (p *CachedProvider) Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	key := fmt.Sprintf("bars:%s:%s:%d:%d", symbol, timeframe, start.Unix(), end.Unix())

	var bars []types.Bar
	if err := p.cache.Get(ctx, key, &bars); err == nil && len(bars) > 0 {
		return bars, nil
	}

	bars, err := p.upstream.Fetch(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		if err := p.cache.Set(ctx, key, bars, p.ttl); err != nil {
			// 缓存失败不影响回测
			p.log.Warn("Failed to cache bars", "key", key, "error", err)
		}
	}
	return bars, nil
}
