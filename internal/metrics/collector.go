// Package metrics provides the process metrics collector. Each Collector
// owns its own Prometheus registry so several agents can run in one test
// process without cross-contaminating series. Metrics are pure observability
// and never gate behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector records counters, gauges, and histograms for one agent process.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	delegationTimeouts prometheus.Counter
	heartbeatTicks     prometheus.Counter
	heartbeatFailures  prometheus.Counter
	queueDepth         prometheus.Gauge
	pendingDelegations prometheus.Gauge
	agentsByStatus     *prometheus.GaugeVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	c := &Collector{registry: reg}

	c.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total task outcomes by terminal event",
		},
		[]string{"outcome"}, // submitted, completed, failed, timed_out, canceled
	)
	factory(c.tasksTotal)

	c.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task duration from creation to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	factory(c.taskDuration)

	c.delegationTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delegation_timeouts_total",
		Help:      "Delegated tasks reclaimed by the timeout scanner",
	})
	factory(c.delegationTimeouts)

	c.heartbeatTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_ticks_total",
		Help:      "Successful heartbeat liveness writes",
	})
	factory(c.heartbeatTicks)

	c.heartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_failures_total",
		Help:      "Failed heartbeat liveness writes",
	})
	factory(c.heartbeatFailures)

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks currently in a non-terminal state",
	})
	factory(c.queueDepth)

	c.pendingDelegations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_delegations",
		Help:      "In-memory delegation entries awaiting a consumer",
	})
	factory(c.pendingDelegations)

	c.agentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_agents",
			Help:      "Known agents by registry status",
		},
		[]string{"status"},
	)
	factory(c.agentsByStatus)

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total protocol server requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	factory(c.httpRequestsTotal)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Protocol server request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	factory(c.httpDuration)

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}

	return c
}

// Handler exposes this collector's registry for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTaskOutcome counts a task lifecycle event and, for terminal
// outcomes, observes the task's total duration.
func (c *Collector) RecordTaskOutcome(outcome string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// RecordDelegationTimeout counts one scanner-reclaimed task.
func (c *Collector) RecordDelegationTimeout() {
	c.delegationTimeouts.Inc()
}

// RecordHeartbeat counts one heartbeat tick.
func (c *Collector) RecordHeartbeat(ok bool) {
	if ok {
		c.heartbeatTicks.Inc()
	} else {
		c.heartbeatFailures.Inc()
	}
}

// SetQueueDepth updates the open-task gauge.
func (c *Collector) SetQueueDepth(n int64) {
	c.queueDepth.Set(float64(n))
}

// SetPendingDelegations updates the delegation index gauge.
func (c *Collector) SetPendingDelegations(n int) {
	c.pendingDelegations.Set(float64(n))
}

// SetAgentCounts updates the registry status gauges.
func (c *Collector) SetAgentCounts(active, stale int64) {
	c.agentsByStatus.WithLabelValues("active").Set(float64(active))
	c.agentsByStatus.WithLabelValues("stale").Set(float64(stale))
}

// RecordHTTPRequest records one protocol server request. Endpoint must be a
// normalized route name, never a raw path, to keep cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
