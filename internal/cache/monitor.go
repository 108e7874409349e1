package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxCacheEvents = 100

// CacheEvent records a notable cache occurrence, newest first in listings
type CacheEvent struct {
	Type      string    `json:"type"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheMonitorStats summarizes cache behaviour
type CacheMonitorStats struct {
	HitCount       int64   `json:"hit_count"`
	MissCount      int64   `json:"miss_count"`
	ErrorCount     int64   `json:"error_count"`
	HitRatio       float64 `json:"hit_ratio"`
	RedisHealthy   bool    `json:"redis_healthy"`
	InFallback     bool    `json:"in_fallback"`
	FallbackEvents int     `json:"fallback_events"`
}

// CacheMonitor counts hits, misses and failures of a layered cache and
// tracks the consecutive outcomes that drive fallback switching.
type CacheMonitor struct {
	hitCount   atomic.Int64
	missCount  atomic.Int64
	errorCount atomic.Int64

	// consecutive outcomes, reset by the opposite outcome
	failures  atomic.Int64
	successes atomic.Int64

	mu          sync.RWMutex
	redisHealth bool
	events      []CacheEvent
}

// NewCacheMonitor creates a monitor that assumes Redis starts healthy
func NewCacheMonitor() *CacheMonitor {
	return &CacheMonitor{redisHealth: true}
}

// RecordHit records a cache hit
func (cm *CacheMonitor) RecordHit() {
	cm.hitCount.Add(1)
}

// RecordMiss records a cache miss
func (cm *CacheMonitor) RecordMiss() {
	cm.missCount.Add(1)
}

// RecordSuccess records a successful primary operation
func (cm *CacheMonitor) RecordSuccess() {
	cm.failures.Store(0)
	cm.successes.Add(1)
	cm.mu.Lock()
	cm.redisHealth = true
	cm.mu.Unlock()
}

// RecordFailure records a failed primary operation
func (cm *CacheMonitor) RecordFailure(operation string, err error) {
	cm.errorCount.Add(1)
	cm.successes.Store(0)
	cm.failures.Add(1)

	cm.mu.Lock()
	cm.redisHealth = false
	cm.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cm.recordEvent(CacheEvent{Type: "failure", Operation: operation, Error: msg, Timestamp: time.Now()})
}

// RecordFallbackEvent records entering or leaving fallback mode
func (cm *CacheMonitor) RecordFallbackEvent(eventType, reason string) {
	cm.recordEvent(CacheEvent{Type: "fallback_" + eventType, Operation: "fallback", Error: reason, Timestamp: time.Now()})
}

func (cm *CacheMonitor) recordEvent(event CacheEvent) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.events = append(cm.events, event)
	if len(cm.events) > maxCacheEvents {
		cm.events = cm.events[len(cm.events)-maxCacheEvents:]
	}
}

// ConsecutiveFailures returns failures since the last success
func (cm *CacheMonitor) ConsecutiveFailures() int {
	return int(cm.failures.Load())
}

// ConsecutiveSuccesses returns successes since the last failure
func (cm *CacheMonitor) ConsecutiveSuccesses() int {
	return int(cm.successes.Load())
}

// ResetSuccesses clears the success streak, used when entering fallback
func (cm *CacheMonitor) ResetSuccesses() {
	cm.successes.Store(0)
}

// RecentEvents returns up to limit events, newest first
func (cm *CacheMonitor) RecentEvents(limit int) []CacheEvent {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if limit <= 0 || limit > len(cm.events) {
		limit = len(cm.events)
	}
	out := make([]CacheEvent, 0, limit)
	for i := len(cm.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cm.events[i])
	}
	return out
}

// Stats returns a snapshot of the counters
func (cm *CacheMonitor) Stats() CacheMonitorStats {
	hits, misses := cm.hitCount.Load(), cm.missCount.Load()
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	s := CacheMonitorStats{
		HitCount:     hits,
		MissCount:    misses,
		ErrorCount:   cm.errorCount.Load(),
		RedisHealthy: cm.redisHealth,
	}
	if total := hits + misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	for _, e := range cm.events {
		if e.Operation == "fallback" {
			s.FallbackEvents++
		}
	}
	return s
}
