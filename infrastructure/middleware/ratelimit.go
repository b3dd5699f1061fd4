// Package middleware provides HTTP middleware for the service layer
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openclaw/controlplane/infrastructure/errors"
	internalhttputil "github.com/openclaw/controlplane/infrastructure/httputil"
	"github.com/openclaw/controlplane/infrastructure/logging"
)

// defaultMaxLimiters bounds the bucket table when no MaxSize is configured.
const defaultMaxLimiters = 10000

// limiterEntry pairs a token bucket with the last time it was touched, so
// Cleanup can evict idle buckets once LimiterTTL is configured instead of
// only flushing everything once the map grows too large.
type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	limit    int
	window   time.Duration
	logger   *logging.Logger

	maxSize    int
	limiterTTL time.Duration

	// keyFunc derives the bucket key for a request. Defaults to
	// authenticated-user-then-IP; callers that need to key on a
	// proxy-aware client IP and endpoint class (spec's per-IP/per-endpoint
	// bucketing) can override it with SetKeyFunc.
	keyFunc func(*http.Request) string
}

// LimiterCount returns the number of active limiters.
func (rl *RateLimiter) LimiterCount() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		limit:    requestsPerSecond,
		window:   time.Second,
		logger:   logger,
	}
}

// NewRateLimiterWithWindow creates a rate limiter configured by a fixed window
// and request budget, e.g. 100 requests per 1 minute.
func NewRateLimiterWithWindow(limit int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	requestsPerSecond := float64(limit) / window.Seconds()
	if requestsPerSecond < 0 {
		requestsPerSecond = 0
	}

	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		limit:    limit,
		window:   window,
		logger:   logger,
	}
}

// SetKeyFunc overrides how request buckets are keyed. Passing nil restores
// the default (authenticated user, falling back to client IP).
func (rl *RateLimiter) SetKeyFunc(fn func(*http.Request) string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.keyFunc = fn
}

// SetMaxSize bounds how many distinct buckets are kept before Cleanup
// flushes the whole table. A non-positive value disables the bound (TTL-only
// eviction, if configured).
func (rl *RateLimiter) SetMaxSize(maxSize int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.maxSize = maxSize
}

// SetLimiterTTL enables idle-bucket eviction: Cleanup drops any bucket not
// touched within ttl instead of waiting for the table to hit MaxSize.
func (rl *RateLimiter) SetLimiterTTL(ttl time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiterTTL = ttl
}

// getLimiter returns a rate limiter for the given key (e.g., user ID or IP)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastUse = time.Now()

	return entry.limiter
}

func defaultRateLimitKey(r *http.Request) string {
	key := GetUserID(r.Context())
	if key == "" {
		key = internalhttputil.ClientIP(r)
	}
	if key == "" {
		key = "unknown"
	}
	return key
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.mu.RLock()
		keyFunc := rl.keyFunc
		rl.mu.RUnlock()
		if keyFunc == nil {
			keyFunc = defaultRateLimitKey
		}
		key := keyFunc(r)

		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}

			window := rl.window
			if window <= 0 {
				window = time.Second
			}
			serviceErr := errors.RateLimitExceeded(window)
			if seconds := int(math.Ceil(window.Seconds())); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup removes old limiters (should be called periodically). When
// LimiterTTL is set, only buckets idle longer than the TTL are evicted;
// otherwise the whole table is flushed once it exceeds MaxSize (or the
// 10000-entry default).
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limiterTTL > 0 {
		cutoff := time.Now().Add(-rl.limiterTTL)
		for key, entry := range rl.limiters {
			if entry.lastUse.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
		return
	}

	maxSize := rl.maxSize
	if maxSize <= 0 {
		maxSize = defaultMaxLimiters
	}
	if len(rl.limiters) > maxSize {
		rl.limiters = make(map[string]*limiterEntry)
	}
}

// StartCleanup starts a background goroutine to periodically cleanup old limiters
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
