package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stratlab/internal/logger"
)

// FallbackConfig defines when the manager switches to the memory layer
type FallbackConfig struct {
	Enabled             bool          `yaml:"enabled"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryThreshold   int           `yaml:"recovery_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
}

// DefaultFallbackConfig returns default fallback configuration
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Enabled:             true,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		Timeout:             2 * time.Second,
	}
}

func (c FallbackConfig) withDefaults() FallbackConfig {
	d := DefaultFallbackConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// CacheManager layers a primary cache (Redis) over a memory cache. Writes go
// to both; reads prefer the primary until it fails FailureThreshold times in
// a row, then the memory layer serves alone until health checks recover.
type CacheManager struct {
	primary Cache
	memory  *MemoryCache
	config  FallbackConfig
	monitor *CacheMonitor
	log     logger.Logger

	mu       sync.RWMutex
	fallback bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCacheManager creates a manager. Health monitoring runs when
// HealthCheckInterval is positive.
func NewCacheManager(primary Cache, memory *MemoryCache, config FallbackConfig, log logger.Logger) *CacheManager {
	if memory == nil {
		memory = NewMemoryCache(0)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	cm := &CacheManager{
		primary:  primary,
		memory:   memory,
		config:   config.withDefaults(),
		monitor:  NewCacheMonitor(),
		log:      log,
		stopChan: make(chan struct{}),
	}
	if cm.config.HealthCheckInterval > 0 {
		cm.wg.Add(1)
		go cm.startHealthMonitoring()
	}
	return cm
}

// InFallback reports whether reads bypass the primary
func (cm *CacheManager) InFallback() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.fallback
}

func (cm *CacheManager) usePrimary() bool {
	return cm.primary != nil && !cm.InFallback()
}

func (cm *CacheManager) primaryFailed(op string, err error) {
	cm.monitor.RecordFailure(op, err)
	if cm.config.Enabled && cm.monitor.ConsecutiveFailures() >= cm.config.FailureThreshold {
		cm.enableFallback(op + "_failure")
	}
}

// Get reads from the primary, falling back to memory when it is unavailable
func (cm *CacheManager) Get(ctx context.Context, key string, dest interface{}) error {
	if cm.usePrimary() {
		err := cm.primary.Get(ctx, key, dest)
		switch {
		case err == nil:
			cm.monitor.RecordSuccess()
			cm.monitor.RecordHit()
			return nil
		case IsMiss(err):
			cm.monitor.RecordSuccess()
			cm.monitor.RecordMiss()
			return ErrCacheMiss
		default:
			cm.primaryFailed("redis_get", err)
		}
	}

	if err := cm.memory.Get(ctx, key, dest); err != nil {
		cm.monitor.RecordMiss()
		return err
	}
	cm.monitor.RecordHit()
	return nil
}

// Set writes through to both layers. It fails only when both fail.
func (cm *CacheManager) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var primaryErr error
	if cm.usePrimary() {
		if primaryErr = cm.primary.Set(ctx, key, value, expiration); primaryErr == nil {
			cm.monitor.RecordSuccess()
		} else {
			cm.primaryFailed("redis_set", primaryErr)
		}
	}

	if memErr := cm.memory.Set(ctx, key, value, expiration); memErr != nil {
		return fmt.Errorf("failed to set cache key %s: primary: %v, memory: %w", key, primaryErr, memErr)
	}
	return nil
}

// Delete removes key from both layers
func (cm *CacheManager) Delete(ctx context.Context, key string) error {
	var errs []error
	if cm.usePrimary() {
		if err := cm.primary.Delete(ctx, key); err != nil {
			cm.primaryFailed("redis_delete", err)
			errs = append(errs, fmt.Errorf("primary: %w", err))
		}
	}
	if err := cm.memory.Delete(ctx, key); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	return errors.Join(errs...)
}

// Exists checks the primary, then memory
func (cm *CacheManager) Exists(ctx context.Context, key string) (bool, error) {
	if cm.usePrimary() {
		ok, err := cm.primary.Exists(ctx, key)
		if err == nil {
			cm.monitor.RecordSuccess()
			return ok, nil
		}
		cm.primaryFailed("redis_exists", err)
	}
	return cm.memory.Exists(ctx, key)
}

// HealthCheck reports the primary's health. A manager in fallback mode is
// degraded but still serving, so only a missing memory layer fails.
func (cm *CacheManager) HealthCheck(ctx context.Context) error {
	if cm.primary == nil || cm.InFallback() {
		return cm.memory.HealthCheck(ctx)
	}
	return cm.primary.HealthCheck(ctx)
}

// CheckHealth probes the primary once and switches modes as thresholds are crossed
func (cm *CacheManager) CheckHealth(ctx context.Context) {
	if cm.primary == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cm.config.Timeout)
	defer cancel()

	if err := cm.primary.HealthCheck(ctx); err != nil {
		cm.primaryFailed("health_check", err)
		return
	}
	cm.monitor.RecordSuccess()
	if cm.InFallback() && cm.monitor.ConsecutiveSuccesses() >= cm.config.RecoveryThreshold {
		cm.disableFallback("health_check_recovery")
	}
}

func (cm *CacheManager) enableFallback(reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.fallback {
		return
	}
	cm.fallback = true
	cm.monitor.ResetSuccesses()
	cm.monitor.RecordFallbackEvent("enabled", reason)
	cm.log.Warn("Cache fallback enabled", "reason", reason)
}

func (cm *CacheManager) disableFallback(reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.fallback {
		return
	}
	cm.fallback = false
	cm.monitor.RecordFallbackEvent("disabled", reason)
	cm.log.Info("Cache fallback disabled", "reason", reason)
}

func (cm *CacheManager) startHealthMonitoring() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cm.CheckHealth(context.Background())
		case <-cm.stopChan:
			return
		}
	}
}

// GetStats returns cache statistics
func (cm *CacheManager) GetStats() CacheMonitorStats {
	s := cm.monitor.Stats()
	s.InFallback = cm.InFallback()
	return s
}

// Monitor exposes the event log
func (cm *CacheManager) Monitor() *CacheMonitor {
	return cm.monitor
}

// Close stops health monitoring and closes both layers
func (cm *CacheManager) Close() error {
	cm.stopOnce.Do(func() { close(cm.stopChan) })
	cm.wg.Wait()

	var errs []error
	if cm.primary != nil {
		errs = append(errs, cm.primary.Close())
	}
	errs = append(errs, cm.memory.Close())
	return errors.Join(errs...)
}
