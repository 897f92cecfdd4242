package a2a

import (
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/types"
)

// Guard shields the server from resource exhaustion: a per-IP concurrent
// connection ceiling, a request body size cap, and a heap high-water mark
// checked on a sampling cadence so the runtime stats read stays off the hot
// path.
type Guard struct {
	mu      sync.Mutex
	perIP   map[string]int
	cfg     config.GuardConfig
	logger  *zap.Logger
	counter atomic.Uint64

	// memHot caches the last pressure verdict between samples.
	memHot atomic.Bool
}

// NewGuard creates a guard from config.
func NewGuard(cfg config.GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		perIP:  make(map[string]int),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "guard")),
	}
}

// acquire reserves a connection slot for ip. Returns false at the ceiling.
func (g *Guard) acquire(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.perIP[ip] >= g.cfg.MaxConnsPerIP {
		return false
	}
	g.perIP[ip]++
	return true
}

// release frees the slot taken by acquire.
func (g *Guard) release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.perIP[ip] <= 1 {
		delete(g.perIP, ip)
		return
	}
	g.perIP[ip]--
}

// underPressure samples heap usage every MemoryCheckEvery requests and
// caches the verdict in between.
func (g *Guard) underPressure() bool {
	every := uint64(g.cfg.MemoryCheckEvery)
	if every == 0 {
		every = 1
	}
	if g.counter.Add(1)%every == 0 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		hot := stats.HeapAlloc > g.cfg.MaxHeapBytes
		if hot && !g.memHot.Load() {
			g.logger.Warn("heap above limit, shedding load",
				zap.Uint64("heap_alloc", stats.HeapAlloc),
				zap.Uint64("limit", g.cfg.MaxHeapBytes),
			)
		}
		g.memHot.Store(hot)
	}
	return g.memHot.Load()
}

// Protect is the outermost resource middleware. Refusals carry distinct
// codes so callers can tell a transient overload from their own oversized
// request.
func Protect(g *Guard, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.underPressure() {
				writeError(w, logger, types.NewError(types.ErrMemoryPressure,
					"server is under memory pressure").WithRetryAfter(5))
				return
			}

			ip := clientIP(r)
			if !g.acquire(ip) {
				writeError(w, logger, types.NewError(types.ErrConnectionLimit,
					"too many concurrent connections").WithRetryAfter(1))
				return
			}
			defer g.release(ip)

			if r.Body != nil && g.cfg.MaxBodyBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isBodyTooLarge reports whether err came from the MaxBytesReader cap.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
