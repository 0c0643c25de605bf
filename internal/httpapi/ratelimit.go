package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/axiston/convosync/internal/auth"
	"github.com/rs/zerolog/log"
)

// TokenBucket is a per-user token bucket: burst up to capacity, refilling
// continuously at refillRate tokens/second. Single bucket guarded by its
// own mutex so RateLimiter can hold only a short-lived map lock.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow refills, then consumes one token if available. nextTokenTime is
// when the next token would become available (used for Retry-After);
// fullResetTime is when the bucket would be back at full capacity.
func (tb *TokenBucket) Allow() (allowed bool, remaining int, nextTokenTime, fullResetTime time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	fullResetTime = now.Add(time.Duration((tb.capacity-tb.tokens)/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	wait := time.Duration((1.0-tb.tokens)/tb.refillRate) * time.Second
	return false, 0, now.Add(wait), fullResetTime
}

// RateLimiter is a per-user registry of TokenBuckets, all sharing one
// RateLimitInfo. A process runs one RateLimiter per route group that
// needs its own limit; this is a local safety valve, permissive by
// default, not a substitute for policy enforced upstream of this service.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  RateLimitInfo
}

func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*TokenBucket), config: config}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) getBucket(userID string) *TokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok := rl.buckets[userID]; ok {
		return bucket
	}
	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = NewTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[userID] = bucket
	return bucket
}

func (rl *RateLimiter) Allow(userID string) (bool, int, time.Time, time.Time) {
	return rl.getBucket(userID).Allow()
}

// evictIdle drops buckets that haven't refilled in over an hour, so a
// long-running process doesn't accumulate one bucket per user forever.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for userID, bucket := range rl.buckets {
			bucket.mu.Lock()
			idle := time.Since(bucket.lastRefill) > time.Hour
			bucket.mu.Unlock()
			if idle {
				delete(rl.buckets, userID)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces config per authenticated user (unauthenticated
// requests pass through; auth.Middleware must run first in the chain).
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextTokenTime, fullResetTime := limiter.Allow(userID)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextTokenTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeErrorCode(w, r, http.StatusTooManyRequests, "rate_limited",
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
