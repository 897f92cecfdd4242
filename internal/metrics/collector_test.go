package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors in one process must not collide on registration.
	a := NewCollector("agentmesh", zaptest.NewLogger(t))
	b := NewCollector("agentmesh", zaptest.NewLogger(t))

	a.RecordTaskOutcome("submitted", 0)
	a.RecordTaskOutcome("completed", 3*time.Second)
	b.RecordDelegationTimeout()

	bodyA := scrape(t, a)
	bodyB := scrape(t, b)

	assert.Contains(t, bodyA, `agentmesh_tasks_total{outcome="completed"} 1`)
	assert.NotContains(t, bodyB, `agentmesh_tasks_total{outcome="completed"} 1`)
	assert.Contains(t, bodyB, "agentmesh_delegation_timeouts_total 1")
}

func TestCollector_GaugesAndCounters(t *testing.T) {
	c := NewCollector("agentmesh", zaptest.NewLogger(t))

	c.SetQueueDepth(7)
	c.SetPendingDelegations(2)
	c.SetAgentCounts(3, 1)
	c.RecordHeartbeat(true)
	c.RecordHeartbeat(false)
	c.RecordHTTPRequest("POST", "send_message", 200, 20*time.Millisecond)
	c.RecordHTTPRequest("POST", "send_message", 503, time.Millisecond)

	body := scrape(t, c)
	assert.Contains(t, body, "agentmesh_queue_depth 7")
	assert.Contains(t, body, "agentmesh_pending_delegations 2")
	assert.Contains(t, body, `agentmesh_registry_agents{status="active"} 3`)
	assert.Contains(t, body, `agentmesh_registry_agents{status="stale"} 1`)
	assert.Contains(t, body, "agentmesh_heartbeat_ticks_total 1")
	assert.Contains(t, body, "agentmesh_heartbeat_failures_total 1")
	assert.Contains(t, body, `agentmesh_http_requests_total{endpoint="send_message",method="POST",status="2xx"} 1`)
	assert.Contains(t, body, `agentmesh_http_requests_total{endpoint="send_message",method="POST",status="5xx"} 1`)
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}
