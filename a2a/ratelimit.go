package a2a

import (
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/types"
)

// limiterEntry pairs a token bucket with its last use for idle eviction.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (agent, endpoint) pair. Buckets are
// created lazily on first use and evicted after sitting idle, so the map
// tracks only recently active callers.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	burst   int
	refill  rate.Limit
	idleFor time.Duration
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter from normalized config.
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		buckets: make(map[string]*limiterEntry),
		burst:   cfg.MaxTokens,
		refill:  rate.Limit(cfg.RefillPerSec),
		idleFor: cfg.IdleEviction,
		logger:  logger.With(zap.String("component", "ratelimit")),
	}
}

// Allow consumes one token from the (agentID, endpoint) bucket. On refusal
// it returns the wait until the next token, rounded up to whole seconds for
// the Retry-After header.
func (rl *RateLimiter) Allow(agentID, endpoint string) (bool, int) {
	rl.mu.Lock()
	key := agentID + ":" + endpoint
	entry, ok := rl.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.refill, rl.burst)}
		rl.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	reservation := entry.limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}
	reservation.Cancel()
	return false, int(math.Ceil(delay.Seconds()))
}

// EvictIdle drops buckets unused for the idle window and reports how many
// were removed. The server's sweep loop calls this periodically.
func (rl *RateLimiter) EvictIdle() int {
	cutoff := time.Now().Add(-rl.idleFor)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, entry := range rl.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("evicted idle rate buckets", zap.Int("count", evicted))
	}
	return evicted
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// RateLimit rejects callers whose bucket is empty with 429 and a Retry-After
// hint. The identity comes from the auth middleware, so the limiter must sit
// after it in the chain.
func RateLimit(rl *RateLimiter, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := AgentIDFromContext(r.Context())
			endpoint := normalizeEndpoint(r.Method, r.URL.Path)

			ok, retryAfter := rl.Allow(agentID, endpoint)
			if !ok {
				if retryAfter < 1 {
					retryAfter = 1
				}
				writeError(w, logger, types.NewError(types.ErrRateLimited,
					"rate limit exceeded").WithRetryAfter(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
