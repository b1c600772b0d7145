package security

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// RateLimitResult is the outcome of one rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimiter keeps one token bucket per caller key
type RateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter starts the idle-bucket sweeper
func NewRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		logger:  logger,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

// Allow spends one token for key
func (rl *RateLimiter) Allow(key string) RateLimitResult {
	if !rl.config.Enabled {
		return RateLimitResult{Allowed: true, Limit: rl.config.BurstSize, Remaining: rl.config.BurstSize}
	}

	now := rl.now()
	b := rl.bucketFor(key, now)

	res := RateLimitResult{Limit: rl.config.BurstSize}
	reservation := b.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		res.RetryAfter = delay
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"retry_after": delay,
		}).Warn("Rate limit exceeded")
		return res
	}

	res.Allowed = true
	res.Remaining = int(math.Max(0, math.Floor(b.limiter.TokensAt(now))))
	return res
}

// Reset forgets the bucket for key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Len reports how many callers are tracked
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the sweeper
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) bucketFor(key string, now time.Time) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.config.RequestsPerMinute) / 60)
		b = &bucket{limiter: rate.NewLimiter(perSecond, rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle(rl.now())
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.config.IdleTTL {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
	return removed
}

// Middleware rejects callers that exceed their budget with 429
func (rl *RateLimiter) Middleware(keyFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := rl.Allow(keyFor(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerKey limits authenticated callers by subject and everyone else by IP
func CallerKey(r *http.Request) string {
	if subject := RequesterFrom(r.Context()); subject != "" {
		return "user:" + subject
	}
	return "ip:" + ClientIP(r)
}
