package core

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/metrics"
)

// RateLimiter guards connect initiation per client key (IP or user ID). It
// is an injected component with an explicit eviction policy, rebuilt empty
// on restart: a defense-in-depth control, not a correctness-critical store.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter

	cleanupEvery time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per key, with the full minute
// available as burst so short spikes inside the window pass.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		limit:        rate.Limit(float64(perMinute) / 60.0),
		burst:        perMinute,
		limiters:     make(map[string]*keyedLimiter),
		cleanupEvery: 5 * time.Minute,
		stop:         make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the key may proceed. On breach it returns a
// RateLimitError carrying the seconds until the next request would pass.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyedLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	rl.mu.Unlock()

	if kl.limiter.Allow() {
		return nil
	}

	metrics.RateLimitRejections.Inc()
	retryAfter := int(math.Ceil(1.0 / float64(rl.limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return hmrcerr.RateLimit(retryAfter)
}

// Stop terminates the eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.stop:
			return
		}
	}
}

// evict drops keys idle for two cleanup intervals.
func (rl *RateLimiter) evict() {
	cutoff := time.Now().Add(-2 * rl.cleanupEvery)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, kl := range rl.limiters {
		if kl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// Size reports the number of tracked keys, for tests and metrics.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
