package a2a

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// anonymousAgentID is assigned when a request carries neither a bearer token
// nor a body agentId. Anonymous callers still get rate limited, under one
// shared bucket per endpoint.
const anonymousAgentID = "anonymous"

type agentIDKey struct{}
type bearerAuthKey struct{}

// AgentIDFromContext returns the caller identity set by the auth middleware.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return anonymousAgentID
}

// bearerAuthenticated reports whether the request carried a bearer token.
func bearerAuthenticated(ctx context.Context) bool {
	v, ok := ctx.Value(bearerAuthKey{}).(bool)
	return ok && v
}

// Auth attaches a caller identity to every request. An agentId named in the
// request body wins; otherwise the identity is derived from the SHA-256 hash
// of the bearer token, so the raw token never appears in logs, limiter keys,
// or metrics labels.
func Auth(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token, ok := bearerToken(r); ok {
				ctx = context.WithValue(ctx, bearerAuthKey{}, true)
				ctx = context.WithValue(ctx, agentIDKey{}, hashAgentID(token))
			} else {
				ctx = context.WithValue(ctx, agentIDKey{}, anonymousAgentID)
			}

			if id, err := peekBodyAgentID(r); err != nil {
				if isBodyTooLarge(err) {
					writeError(w, logger, types.NewError(types.ErrPayloadTooLarge,
						"request body too large"))
					return
				}
				writeError(w, logger, types.NewError(types.ErrInvalidRequest,
					"request body is not valid JSON").WithCause(err))
				return
			} else if id != "" {
				ctx = context.WithValue(ctx, agentIDKey{}, id)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):], true
	}
	return "", false
}

// hashAgentID derives a stable pseudonymous identity from a bearer token.
func hashAgentID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "agent-" + hex.EncodeToString(sum[:8])
}

// peekBodyAgentID reads the agentId field from a JSON request body and
// restores the body for downstream handlers. Requests without a body, or
// with a JSON body lacking agentId, yield "".
func peekBodyAgentID(r *http.Request) (string, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return "", nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return "", nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var probe struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", err
	}
	return probe.AgentID, nil
}

// csrfEntry is one issued token awaiting use.
type csrfEntry struct {
	expiresAt time.Time
}

// CSRFManager issues single-use expiring tokens. A token is consumed on its
// first successful validation; replay fails.
type CSRFManager struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry
	ttl    time.Duration
	logger *zap.Logger
}

// NewCSRFManager creates a manager issuing tokens valid for ttl.
func NewCSRFManager(ttl time.Duration, logger *zap.Logger) *CSRFManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSRFManager{
		tokens: make(map[string]csrfEntry),
		ttl:    ttl,
		logger: logger.With(zap.String("component", "csrf")),
	}
}

// Issue mints and registers a fresh token. Expired tokens are swept
// opportunistically so the map cannot grow without bound.
func (m *CSRFManager) Issue() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	token := hex.EncodeToString(b)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.tokens[token] = csrfEntry{expiresAt: time.Now().Add(m.ttl)}
	return token
}

// Consume validates and invalidates a token in one step.
func (m *CSRFManager) Consume(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tokens[token]
	if !ok {
		return false
	}
	delete(m.tokens, token)
	return time.Now().Before(entry.expiresAt)
}

// TTL returns the validity window of issued tokens.
func (m *CSRFManager) TTL() time.Duration {
	return m.ttl
}

// Len returns the number of outstanding tokens.
func (m *CSRFManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func (m *CSRFManager) sweepLocked() {
	now := time.Now()
	for token, entry := range m.tokens {
		if now.After(entry.expiresAt) {
			delete(m.tokens, token)
		}
	}
}

// CSRF enforces token checks on state-changing requests. Safe methods pass
// through, as do bearer-authenticated callers: a caller holding a valid
// token is not a browser victim. Every successful check rotates the token
// via the X-CSRF-Token response header.
func CSRF(manager *CSRFManager, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if bearerAuthenticated(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			if !manager.Consume(r.Header.Get("X-CSRF-Token")) {
				writeError(w, logger, types.NewError(types.ErrCSRFInvalid,
					"missing or invalid CSRF token"))
				return
			}
			w.Header().Set("X-CSRF-Token", manager.Issue())
			next.ServeHTTP(w, r)
		})
	}
}
