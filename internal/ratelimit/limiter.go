package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/openaem/internal/observability"
)

// KeyedLimiter keeps one token bucket per key, created lazily on first use.
// The Graph client keys it by request path so a slow config endpoint never
// starves postbacks.
//
//	limiter := NewKeyedLimiter(Config{Capacity: 10, RefillRate: 5, Enabled: true}, metrics)
//	if !limiter.Allow("aem_attribution") {
//	    // back off
//	}
type KeyedLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int     // burst allowance
	RefillRate float64 // tokens added per second
	Enabled    bool
}

// NewKeyedLimiter creates a limiter with the given configuration. A nil
// metrics registry disables metrics.
func NewKeyedLimiter(config Config, metrics observability.MetricsRegistry) *KeyedLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &KeyedLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed. It always returns
// true when the limiter is disabled.
func (kl *KeyedLimiter) Allow(key string) bool {
	if kl == nil || !kl.config.Enabled {
		return true
	}

	kl.metrics.IncrementRateLimitRequests(key)

	kl.mu.RLock()
	bucket, exists := kl.buckets[key]
	kl.mu.RUnlock()

	if !exists {
		kl.mu.Lock()
		bucket, exists = kl.buckets[key]
		if !exists {
			bucket = newTokenBucket(kl.config.Capacity, kl.config.RefillRate, kl.now)
			kl.buckets[key] = bucket
		}
		kl.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		kl.metrics.IncrementRateLimitHits(key)
	}
	return allowed
}

// Stats returns a snapshot of per-key statistics.
func (kl *KeyedLimiter) Stats() map[string]Stats {
	kl.mu.RLock()
	defer kl.mu.RUnlock()

	stats := make(map[string]Stats, len(kl.buckets))
	for key, bucket := range kl.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[key] = Stats{Key: key, Hits: hits, Total: total, HitRate: hitRate}
	}
	return stats
}

// Stats contains rate limiting statistics for a single key.
type Stats struct {
	Key     string  `json:"key"`
	Hits    int64   `json:"hits"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d/%d hits (%.2f%%)", s.Key, s.Hits, s.Total, s.HitRate*100)
}

// Wait blocks until key has a token or ctx is done.
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	for !kl.Allow(key) {
		interval := time.Second
		if kl.config.RefillRate > 0 {
			interval = time.Duration(float64(time.Second) / kl.config.RefillRate)
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
