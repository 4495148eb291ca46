package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a per-key token bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// Buckets idle for EntryTTL are dropped every CleanupInterval.
	CleanupInterval time.Duration
	EntryTTL        time.Duration
}

// DefaultRateLimitConfig returns the publish API defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		CleanupInterval:   5 * time.Minute,
		EntryTTL:          10 * time.Minute,
	}
}

type bucket struct {
	*rate.Limiter
	lastSeen time.Time
}

// RateLimiterStats is the limiter's section of /api/stats.
type RateLimiterStats struct {
	Keys     int    `json:"keys"`
	Rejected uint64 `json:"rejected"`
}

// GeneralRateLimiter keeps one token bucket per key, usually a client IP.
type GeneralRateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	rejected atomic.Uint64

	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// NewGeneralRateLimiter starts a limiter and its cleanup goroutine. Close
// stops it.
func NewGeneralRateLimiter(config RateLimitConfig) *GeneralRateLimiter {
	d := DefaultRateLimitConfig()
	config.CleanupInterval = orDefault(config.CleanupInterval, d.CleanupInterval)
	config.EntryTTL = orDefault(config.EntryTTL, d.EntryTTL)

	rl := &GeneralRateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	rl.stopped.Add(1)
	go rl.cleanupLoop()
	return rl
}

func (rl *GeneralRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
	rl.stopped.Wait()
}

// Allow takes one token from key's bucket.
func (rl *GeneralRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{Limiter: newLimiter(rl.config.RequestsPerSecond, rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	ok := b.Allow()
	rl.mu.Unlock()

	if !ok {
		rl.rejected.Add(1)
	}
	return ok
}

// Middleware answers 429 once keyFunc's bucket is empty.
func (rl *GeneralRateLimiter) Middleware(keyFunc func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.Allow(keyFunc(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeErrorJSON(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	})
}

func (rl *GeneralRateLimiter) cleanupLoop() {
	defer rl.stopped.Done()
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.cleanup(now)
		}
	}
}

// cleanup drops buckets not used since now minus EntryTTL.
func (rl *GeneralRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.config.EntryTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *GeneralRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *GeneralRateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{Keys: rl.Len(), Rejected: rl.rejected.Load()}
}

// newLimiter returns an unlimited limiter when perSecond is not positive.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}
