package cache

import (
	"context"
	"time"

	"stratlab/internal/types"
)

const (
	runStatusPrefix  = "run:status:"
	defaultStatusTTL = 24 * time.Hour
)

// RunStatusCache keeps the latest status of each run for cheap polling
type RunStatusCache struct {
	cache Cache
	ttl   time.Duration
}

// NewRunStatusCache stores statuses in c for ttl
func NewRunStatusCache(c Cache, ttl time.Duration) *RunStatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &RunStatusCache{cache: c, ttl: ttl}
}

// SetStatus stores v under the run's key
func (s *RunStatusCache) SetStatus(ctx context.Context, v types.RunStatusView) error {
	return s.cache.Set(ctx, runStatusPrefix+v.RunID, v, s.ttl)
}

// GetStatus returns the cached status or ErrCacheMiss
func (s *RunStatusCache) GetStatus(ctx context.Context, runID string) (types.RunStatusView, error) {
	var v types.RunStatusView
	err := s.cache.Get(ctx, runStatusPrefix+runID, &v)
	return v, err
}
