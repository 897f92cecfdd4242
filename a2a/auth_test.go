package a2a

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func identityProbe(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = AgentIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthDerivesStableIdentityFromToken(t *testing.T) {
	var got string
	h := Auth(zaptest.NewLogger(t))(identityProbe(&got))

	req := httptest.NewRequest(http.MethodGet, PathTasks, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(httptest.NewRecorder(), req)
	first := got

	req = httptest.NewRequest(http.MethodGet, PathTasks, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, first, got)
	assert.True(t, strings.HasPrefix(got, "agent-"))
	assert.NotContains(t, got, "secret-token")
}

func TestAuthDifferentTokensDifferentIdentities(t *testing.T) {
	var got string
	h := Auth(zaptest.NewLogger(t))(identityProbe(&got))

	req := httptest.NewRequest(http.MethodGet, PathTasks, nil)
	req.Header.Set("Authorization", "Bearer token-one")
	h.ServeHTTP(httptest.NewRecorder(), req)
	one := got

	req = httptest.NewRequest(http.MethodGet, PathTasks, nil)
	req.Header.Set("Authorization", "Bearer token-two")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEqual(t, one, got)
}

func TestAuthBodyAgentIDWins(t *testing.T) {
	var got string
	var seenBody string
	h := Auth(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AgentIDFromContext(r.Context())
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		seenBody = string(buf[:n])
	}))

	req := httptest.NewRequest(http.MethodPost, PathSendMessage,
		strings.NewReader(`{"agentId":"agent-explicit","message":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "agent-explicit", got)
	// The body peek must leave the body readable downstream.
	assert.Contains(t, seenBody, "agent-explicit")
}

func TestAuthAnonymousWithoutCredentials(t *testing.T) {
	var got string
	h := Auth(zaptest.NewLogger(t))(identityProbe(&got))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, PathTasks, nil))
	assert.Equal(t, anonymousAgentID, got)
}

func TestAuthRejectsUnparsableBody(t *testing.T) {
	h := Auth(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, PathSendMessage, strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCSRFManagerSingleUse(t *testing.T) {
	m := NewCSRFManager(time.Minute, zaptest.NewLogger(t))

	token := m.Issue()
	assert.True(t, m.Consume(token))
	assert.False(t, m.Consume(token), "replay must fail")
	assert.False(t, m.Consume("never-issued"))
	assert.False(t, m.Consume(""))
}

func TestCSRFManagerExpiry(t *testing.T) {
	m := NewCSRFManager(10*time.Millisecond, zaptest.NewLogger(t))

	token := m.Issue()
	time.Sleep(25 * time.Millisecond)
	assert.False(t, m.Consume(token))

	// Expired tokens are swept on the next issue.
	m.Issue()
	assert.Equal(t, 1, m.Len())
}

func TestCSRFMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := NewCSRFManager(time.Minute, logger)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Chain(ok, Auth(logger), CSRF(m, logger))

	// Safe methods bypass CSRF.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathTasks, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unsafe without a token is rejected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathSendMessage, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Bearer-authenticated callers bypass CSRF.
	req := httptest.NewRequest(http.MethodPost, PathSendMessage, nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A valid token passes once and rotates.
	token := m.Issue()
	req = httptest.NewRequest(http.MethodPost, PathSendMessage, nil)
	req.Header.Set("X-CSRF-Token", token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := rec.Header().Get("X-CSRF-Token")
	assert.NotEmpty(t, rotated)
	assert.NotEqual(t, token, rotated)

	// The consumed token cannot be replayed.
	req = httptest.NewRequest(http.MethodPost, PathSendMessage, nil)
	req.Header.Set("X-CSRF-Token", token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The rotated token works.
	req = httptest.NewRequest(http.MethodPost, PathSendMessage, nil)
	req.Header.Set("X-CSRF-Token", rotated)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
