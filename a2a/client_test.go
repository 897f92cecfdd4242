package a2a

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/types"
)

// staticResolver maps every agent ID to one base URL.
type staticResolver struct {
	baseURL string
}

func (r *staticResolver) Get(_ context.Context, agentID string) (*types.Agent, error) {
	if r.baseURL == "" {
		return nil, types.NewError(types.ErrAgentNotFound, "agent "+agentID+" not registered")
	}
	return &types.Agent{AgentID: agentID, BaseURL: r.baseURL, Status: types.AgentActive}, nil
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(testClientConfig(), &staticResolver{baseURL: baseURL}, "client-token", zaptest.NewLogger(t))
}

func TestClientSendMessage(t *testing.T) {
	var gotAuth, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, PathSendMessage, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get("Traceparent")
		writeSuccess(w, SendMessageResponse{TaskID: "task-1", Status: "SUBMITTED"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ack, err := c.SendMessage(context.Background(), "agent-b", &SendMessageRequest{
		Message: MessagePayload{Role: types.RoleUser, Parts: []types.Part{{Type: types.PartText, Text: "hi"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", ack.TaskID)
	assert.Equal(t, "SUBMITTED", ack.Status)
	assert.Equal(t, "Bearer client-token", gotAuth)
	_ = gotTrace // present only when a span is active upstream
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeSuccess(w, types.Task{ID: "task-1", State: types.TaskSubmitted})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	task, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientSurfacesLastErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
	// Initial attempt plus MaxRetries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientNeverRetriesForbidden(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, nil, types.NewError(types.ErrForbidden, "nope"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrForbidden, types.GetErrorCode(err))
	assert.Equal(t, int32(1), calls.Load(), "403 must not be retried")
}

func TestClientUnauthorizedBecomesAuthFailed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeSuccess(w, types.Task{ID: "task-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	task, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientRetriesTransportFailure(t *testing.T) {
	// Nothing listens here; every attempt is a connection error.
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
}

func TestClientResolverFailure(t *testing.T) {
	c := newTestClient(t, "")
	_, err := c.GetTask(context.Background(), "agent-missing", "task-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestClientEnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, nil, types.NewError(types.ErrNotFound, "task missing"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), "agent-b", "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestClientListTasksWithQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SUBMITTED", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeSuccess(w, []types.Task{{ID: "t1"}, {ID: "t2"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	q := url.Values{}
	q.Set("status", "SUBMITTED")
	q.Set("limit", "5")
	tasks, err := c.ListTasks(context.Background(), "agent-b", q)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestClientCancelTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathTasks+"/task-9/cancel", r.URL.Path)
		writeSuccess(w, CancelResponse{TaskID: "task-9", Status: "CANCELED"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.CancelTask(context.Background(), "agent-b", "task-9")
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", out.Status)
}

func TestClientDiscoverCachesCard(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeSuccess(w, types.AgentCard{Name: "peer", Version: "2.0.0"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		card, err := c.Discover(context.Background(), "agent-b")
		require.NoError(t, err)
		assert.Equal(t, "peer", card.Name)
	}
	assert.Equal(t, int32(1), calls.Load(), "card must be served from cache")
}

func TestClientInvalidResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetTask(context.Background(), "agent-b", "task-1")
	require.ErrorIs(t, err, ErrInvalidResponse)
}
