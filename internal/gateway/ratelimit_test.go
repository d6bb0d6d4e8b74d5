// ABOUTME: Tests for per-client submission rate limiting
// ABOUTME: Covers bucket exhaustion, stale entry cleanup, and client key selection

package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lane-gateway/internal/config"
)

func TestNewRateLimiter_Disabled(t *testing.T) {
	assert.Nil(t, newRateLimiter(config.RateLimitConfig{}))
	assert.Nil(t, newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 10}))

	var l *rateLimiter
	assert.True(t, l.allow("anyone"), "nil limiter allows everything")
}

func TestRateLimiter_Burst(t *testing.T) {
	l := newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	require.NotNil(t, l)

	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"), "third request exceeds burst")
	assert.True(t, l.allow("b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"), "one token refills per second at 60/min")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	l := newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	require.NotNil(t, l)

	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastCleanup = now

	l.allow("stale")
	now = now.Add(limiterEntryTTL + limiterCleanupInterval)
	l.allow("fresh")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.entries, "stale")
	assert.Contains(t, l.entries, "fresh")
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/agent", nil)
	r.RemoteAddr = "10.0.0.5:4242"

	assert.Equal(t, "session:abc", clientKey(r, " abc "))
	assert.Equal(t, "ip:10.0.0.5", clientKey(r, ""))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", clientKey(r, ""))
}
