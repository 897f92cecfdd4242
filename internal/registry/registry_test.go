package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "agents.db"),
		BusyTimeout: 5 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r, err := New(s.DB(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.Upsert(ctx, types.Agent{
		AgentID:      "agent-b",
		BaseURL:      "http://127.0.0.1:41101",
		Port:         41101,
		Capabilities: []string{"summarize", "translate"},
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:41101", got.BaseURL)
	assert.Equal(t, types.AgentActive, got.Status)
	assert.Equal(t, []string{"summarize", "translate"}, got.Capabilities)

	// Upsert again with a new address replaces the row.
	err = r.Upsert(ctx, types.Agent{AgentID: "agent-b", BaseURL: "http://127.0.0.1:41102", Port: 41102})
	require.NoError(t, err)

	got, err = r.Get(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:41102", got.BaseURL)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestRegistry_HeartbeatRevivesStale(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, types.Agent{AgentID: "agent-a", BaseURL: "http://localhost:1"}))

	// Everything is stale relative to a zero cutoff window.
	n, err := r.MarkStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStale, got.Status)

	require.NoError(t, r.Heartbeat(ctx, "agent-a"))
	got, err = r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentActive, got.Status)
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestRegistry_ListActive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, types.Agent{AgentID: "a", BaseURL: "http://localhost:1"}))
	require.NoError(t, r.Upsert(ctx, types.Agent{AgentID: "b", BaseURL: "http://localhost:2"}))

	_, err := r.MarkStale(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, "b"))

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].AgentID)

	nActive, err := r.CountByStatus(ctx, types.AgentActive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nActive)
	nStale, err := r.CountByStatus(ctx, types.AgentStale)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nStale)
}
