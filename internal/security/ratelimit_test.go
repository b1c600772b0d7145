package security

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, config *RateLimitConfig) (*RateLimiter, *stepClock) {
	t.Helper()
	rl := NewRateLimiter(config, quietLogger())
	t.Cleanup(rl.Stop)

	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		res := rl.Allow("caller")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res := rl.Allow("caller")
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	other := rl.Allow("someone-else")
	assert.True(t, other.Allowed)

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("caller").Allowed)
	assert.False(t, rl.Allow("caller").Allowed)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newTestLimiter(t, &RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("caller").Allowed)
	}
	assert.Zero(t, rl.Len())
}

func TestRateLimiter_ResetAndEvict(t *testing.T) {
	rl, clock := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())
	assert.False(t, rl.Allow("a").Allowed)

	rl.Reset("a")
	assert.True(t, rl.Allow("a").Allowed)

	clock.Advance(30 * time.Second)
	rl.Allow("a")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, rl.evictIdle(clock.Now()))
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(t, &RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})

	handler := rl.Middleware(CallerKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("192.0.2.1:1001").Code)

	limited := send("192.0.2.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, "2", limited.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, limited.Body.String(), "rate_limit_error")

	assert.Equal(t, http.StatusOK, send("192.0.2.2:1000").Code)
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "ip:192.0.2.1", CallerKey(req))

	req = req.WithContext(WithAuthInfo(req.Context(), &AuthInfo{Subject: "alice"}))
	assert.Equal(t, "user:alice", CallerKey(req))
}
