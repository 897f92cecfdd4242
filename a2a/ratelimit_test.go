package a2a

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentmesh/agentmesh/config"
)

func TestRateLimiterBurstThenReject(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		MaxTokens:    3,
		RefillPerSec: 1,
		IdleEviction: time.Minute,
	}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("agent-a", "send_message")
		require.True(t, ok, "request %d within burst must pass", i+1)
	}

	ok, retryAfter := rl.Allow("agent-a", "send_message")
	assert.False(t, ok)
	assert.Positive(t, retryAfter)
}

func TestRateLimiterBucketsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		MaxTokens:    1,
		RefillPerSec: 0.001,
		IdleEviction: time.Minute,
	}, zaptest.NewLogger(t))

	ok, _ := rl.Allow("agent-a", "send_message")
	require.True(t, ok)
	ok, _ = rl.Allow("agent-a", "send_message")
	require.False(t, ok)

	// Same agent, different endpoint: fresh bucket.
	ok, _ = rl.Allow("agent-a", "get_task")
	assert.True(t, ok)

	// Different agent, same endpoint: fresh bucket.
	ok, _ = rl.Allow("agent-b", "send_message")
	assert.True(t, ok)
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		MaxTokens:    1,
		RefillPerSec: 20,
		IdleEviction: time.Minute,
	}, zaptest.NewLogger(t))

	ok, _ := rl.Allow("agent-a", "send_message")
	require.True(t, ok)
	ok, _ = rl.Allow("agent-a", "send_message")
	require.False(t, ok)

	// One refill interval later exactly one more request passes.
	time.Sleep(60 * time.Millisecond)
	ok, _ = rl.Allow("agent-a", "send_message")
	assert.True(t, ok)
	ok, _ = rl.Allow("agent-a", "send_message")
	assert.False(t, ok)
}

func TestRateLimiterEvictIdle(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		MaxTokens:    5,
		RefillPerSec: 5,
		IdleEviction: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	rl.Allow("agent-a", "send_message")
	rl.Allow("agent-b", "get_task")
	require.Equal(t, 2, rl.Len())

	time.Sleep(25 * time.Millisecond)
	rl.Allow("agent-c", "send_message")

	evicted := rl.EvictIdle()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rl := NewRateLimiter(config.RateLimitConfig{
		MaxTokens:    2,
		RefillPerSec: 0.001,
		IdleEviction: time.Minute,
	}, logger)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Chain(ok, Auth(logger), RateLimit(rl, logger))

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, PathTasks, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("tok-a").Code)
	require.Equal(t, http.StatusOK, send("tok-a").Code)

	rec := send("tok-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	env := decodeEnvelope(t, rec, nil)
	require.False(t, env.Success)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.Positive(t, env.Error.RetryAfter)

	// A different caller identity is unaffected.
	assert.Equal(t, http.StatusOK, send("tok-b").Code)
}
