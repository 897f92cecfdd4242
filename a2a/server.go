package a2a

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/types"
)

// Server owns the HTTP listener and the background loops for one agent:
// heartbeat, delegation timeout scanning, and rate-bucket sweeping. All
// loops start on Start and stop on Stop.
type Server struct {
	cfg       *config.Config
	tasks     *store.TaskStore
	registry  *registry.Registry
	delegator *Delegator
	limiter   *RateLimiter
	guard     *Guard
	csrf      *CSRFManager
	metrics   *metrics.Collector
	logger    *zap.Logger

	httpServer *http.Server
	listener   net.Listener
	port       int

	cancelLoops context.CancelFunc
	loops       *errgroup.Group
	running     atomic.Bool
}

// NewServer wires the full middleware chain and route layer. Nothing is
// bound until Start.
func NewServer(cfg *config.Config, tasks *store.TaskStore, reg *registry.Registry, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "server"))

	delegator := NewDelegator(tasks, cfg.Delegate.MaxPerAgent, cfg.Delegate.Timeout, collector, logger)
	limiter := NewRateLimiter(cfg.RateLimit, logger)
	guard := NewGuard(cfg.Guard, logger)
	csrf := NewCSRFManager(cfg.Server.CSRFTokenTTL, logger)

	card := types.AgentCard{
		Name:         cfg.Agent.Name,
		Description:  cfg.Agent.Description,
		Version:      cfg.Agent.Version,
		Capabilities: cfg.Agent.Capabilities,
	}

	routes := NewRoutes(tasks, delegator, card, csrf, collector, logger)

	mux := http.NewServeMux()
	mux.Handle(PathMetrics, collector.Handler())
	mux.Handle("/", Chain(routes,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		Tracing(),
		Metrics(collector),
		Protect(guard, logger),
		RequestTimeout(cfg.Server.RequestTimeout, logger),
		Auth(logger),
		CSRF(csrf, logger),
		RateLimit(limiter, logger),
	))

	return &Server{
		cfg:       cfg,
		tasks:     tasks,
		registry:  reg,
		delegator: delegator,
		limiter:   limiter,
		guard:     guard,
		csrf:      csrf,
		metrics:   collector,
		logger:    logger,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Delegator exposes the delegation subsystem to the polling consumer.
func (s *Server) Delegator() *Delegator {
	return s.delegator
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	return s.port
}

// BaseURL returns the address peers should dial, valid after Start.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.port)))
}

// Start binds the first free port in [PortMin, PortMax], registers this
// agent, and launches the serve and background loops. It returns once the
// listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	ln, port, err := s.probePorts()
	if err != nil {
		return err
	}
	s.listener = ln
	s.port = port

	if err := s.registerSelf(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoops = cancel
	s.loops, loopCtx = errgroup.WithContext(loopCtx)

	s.loops.Go(func() error { return s.serve() })
	s.loops.Go(func() error { return s.heartbeatLoop(loopCtx) })
	s.loops.Go(func() error { return s.timeoutLoop(loopCtx) })
	s.loops.Go(func() error { return s.sweepLoop(loopCtx) })
	s.running.Store(true)

	s.logger.Info("server started",
		zap.String("agent_id", s.cfg.Agent.ID),
		zap.Int("port", port),
	)
	return nil
}

// probePorts walks the configured range and takes the first bindable port.
func (s *Server) probePorts() (net.Listener, int, error) {
	for port := s.cfg.Server.PortMin; port <= s.cfg.Server.PortMax; port++ {
		addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, port, nil
		}
		s.logger.Debug("port unavailable", zap.Int("port", port), zap.Error(err))
	}
	return nil, 0, fmt.Errorf("%w: range %d-%d exhausted",
		ErrNoFreePort, s.cfg.Server.PortMin, s.cfg.Server.PortMax)
}

// registerSelf upserts this agent into the local registry as active.
func (s *Server) registerSelf(ctx context.Context) error {
	return s.registry.Upsert(ctx, types.Agent{
		AgentID:      s.cfg.Agent.ID,
		BaseURL:      s.BaseURL(),
		Port:         s.port,
		Status:       types.AgentActive,
		Capabilities: s.cfg.Agent.Capabilities,
	})
}

func (s *Server) serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// heartbeatLoop refreshes this agent's liveness row, demotes silent peers,
// and publishes registry and queue gauges.
func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Server) heartbeat(ctx context.Context) {
	err := s.registry.Heartbeat(ctx, s.cfg.Agent.ID)
	if err != nil {
		s.logger.Warn("heartbeat failed", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordHeartbeat(err == nil)
	}

	// Peers missing three consecutive intervals are considered stale.
	if _, err := s.registry.MarkStale(ctx, 3*s.cfg.Server.HeartbeatInterval); err != nil {
		s.logger.Warn("stale sweep failed", zap.Error(err))
	}

	if s.metrics != nil {
		active, aerr := s.registry.CountByStatus(ctx, types.AgentActive)
		stale, serr := s.registry.CountByStatus(ctx, types.AgentStale)
		if aerr == nil && serr == nil {
			s.metrics.SetAgentCounts(active, stale)
		}
		if depth, err := s.tasks.CountOpen(ctx); err == nil {
			s.metrics.SetQueueDepth(depth)
		}
	}
}

// timeoutLoop drives the delegation timeout scanner.
func (s *Server) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Delegate.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.delegator.CheckTimeouts(ctx)
		}
	}
}

// sweepLoop evicts idle rate-limit buckets.
func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RateLimit.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.limiter.EvictIdle()
		}
	}
}

// Stop drains in-flight requests within the shutdown timeout, stops every
// background loop, and marks this agent inactive. Calling Stop on a server
// that never started, or a second time, returns ErrServerClosed.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerClosed
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("shutdown deadline hit, closing remaining connections")
		err = s.httpServer.Close()
	}

	if s.cancelLoops != nil {
		s.cancelLoops()
	}
	if s.loops != nil {
		if werr := s.loops.Wait(); werr != nil && err == nil {
			err = werr
		}
	}

	if uerr := s.registry.Upsert(ctx, types.Agent{
		AgentID: s.cfg.Agent.ID,
		BaseURL: s.BaseURL(),
		Port:    s.port,
		Status:  types.AgentInactive,
	}); uerr != nil {
		s.logger.Warn("failed to mark agent inactive", zap.Error(uerr))
	}

	s.logger.Info("server stopped", zap.String("agent_id", s.cfg.Agent.ID))
	return err
}
