package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemoryMaxSize = 10000
	defaultMemoryTTL     = 24 * time.Hour
)

// MemoryCache is an in-process cache with TTL and LRU eviction. Values are
// stored JSON-encoded so readers never share memory with writers.
type MemoryCache struct {
	mu       sync.RWMutex
	items    map[string]*memoryItem
	maxSize  int
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type memoryItem struct {
	data       []byte
	expiration time.Time
	accessed   atomic.Int64
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// NewMemoryCache creates a memory cache holding at most maxSize keys
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = defaultMemoryMaxSize
	}
	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go mc.cleanupLoop(5 * time.Minute)
	return mc
}

func (mc *MemoryCache) live(key string) (*memoryItem, bool) {
	item, ok := mc.items[key]
	if !ok || mc.now().After(item.expiration) {
		return nil, false
	}
	return item, true
}

// Get decodes the value at key into dest
func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.RLock()
	item, ok := mc.live(key)
	mc.mu.RUnlock()
	if !ok {
		mc.misses.Add(1)
		return ErrCacheMiss
	}
	item.accessed.Store(mc.now().UnixNano())
	mc.hits.Add(1)
	if err := json.Unmarshal(item.data, dest); err != nil {
		return fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return nil
}

// Set stores value. A non-positive expiration uses a 24h default.
func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if expiration <= 0 {
		expiration = defaultMemoryTTL
	}
	now := mc.now()
	item := &memoryItem{data: data, expiration: now.Add(expiration)}
	item.accessed.Store(now.UnixNano())

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}
	mc.items[key] = item
	return nil
}

// Delete removes key
func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	delete(mc.items, key)
	mc.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live value
func (mc *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	_, ok := mc.live(key)
	return ok, nil
}

// HealthCheck always succeeds
func (mc *MemoryCache) HealthCheck(context.Context) error {
	return nil
}

// Size returns the number of stored keys, expired ones included until cleanup
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.items)
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() MemoryCacheStats {
	return MemoryCacheStats{
		ItemCount:     mc.Size(),
		MaxSize:       mc.maxSize,
		HitCount:      mc.hits.Load(),
		MissCount:     mc.misses.Load(),
		EvictionCount: mc.evictions.Load(),
	}
}

// evictLRU evicts the least recently used item. Caller holds the lock.
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldest int64
	first := true
	for key, item := range mc.items {
		if at := item.accessed.Load(); first || at < oldest {
			oldestKey, oldest, first = key, at, false
		}
	}
	if !first {
		delete(mc.items, oldestKey)
		mc.evictions.Add(1)
	}
}

func (mc *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

// cleanup removes expired items
func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	now := mc.now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stopChan) })
	return nil
}
