package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/solverbond/solverbond/internal/config"
	"github.com/solverbond/solverbond/internal/core"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/metrics"
	"github.com/solverbond/solverbond/internal/util"
)

// Server exposes the protocol over a local HTTP API. All state-changing
// routes call straight into the core; the server itself holds no protocol
// state beyond the websocket fan-out.
type Server struct {
	cfg     config.APIConfig
	core    *core.Core
	bus     *engine.Bus
	metrics *metrics.Collector

	httpServer *http.Server
	wsHub      *WebSocketHub

	rateLimiters   sync.Map // client IP -> *rateLimiterEntry
	cleanupCtx     context.Context
	cleanupCancel  context.CancelFunc
	metricsCancel  func()
	wsBridgeCancel func()

	mu      sync.Mutex
	running bool
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer wires the HTTP surface around an assembled core.
func NewServer(cfg config.APIConfig, c *core.Core, bus *engine.Bus, collector *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		core:          c,
		bus:           bus,
		metrics:       collector,
		wsHub:         NewWebSocketHub(),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	return s
}

// Start begins serving. Blocking variant; use util.SafeGo to run it in the
// background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("api server already running")
	}
	s.running = true

	mux := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}
	s.mu.Unlock()

	util.SafeGoWithName("ws-hub", func() { s.wsHub.Run(s.cleanupCtx) })
	s.wsBridgeCancel = s.bridgeBusToWebSocket()
	if s.metrics != nil {
		s.metricsCancel = s.metrics.Watch(s.bus)
	}
	s.startRateLimiterCleanup()

	logging.Info("api server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, closing websocket clients and background
// goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	s.cleanupCancel()
	if s.wsBridgeCancel != nil {
		s.wsBridgeCancel()
	}
	if s.metricsCancel != nil {
		s.metricsCancel()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) buildRouter() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.withMiddleware(s.handleStatus))

	mux.HandleFunc("/v1/solvers", s.withMiddleware(s.handleSolvers))
	mux.HandleFunc("/v1/solvers/", s.withMiddleware(s.handleSolverPath))

	mux.HandleFunc("/v1/receipts", s.withMiddleware(s.handleReceipts))
	mux.HandleFunc("/v1/receipts/", s.withMiddleware(s.handleReceiptPath))

	mux.HandleFunc("/v1/disputes", s.withMiddleware(s.handleDisputes))
	mux.HandleFunc("/v1/disputes/", s.withMiddleware(s.handleDisputePath))

	mux.HandleFunc("/v1/escrows", s.withMiddleware(s.handleEscrows))
	mux.HandleFunc("/v1/escrows/", s.withMiddleware(s.handleEscrowPath))

	mux.HandleFunc("/v1/claims/", s.withMiddleware(s.handleClaimPath))

	if s.metrics != nil {
		mux.Handle("/v1/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/v1/ws", s.handleWebSocket)

	return mux
}

// withMiddleware tags each request with an id, applies per-client rate
// limiting and records request metrics.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		if !s.allowRequest(extractClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if s.cfg.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestSize))
		}

		start := time.Now()
		next(w, r)
		if s.metrics != nil {
			route := routeLabel(r.URL.Path)
			s.metrics.RecordRequest(route)
			s.metrics.RecordLatency(route, time.Since(start))
		}
	}
}

// routeLabel collapses per-entity paths so the route cardinality in metrics
// stays bounded.
func routeLabel(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 4)
	if len(parts) >= 2 && parts[0] == "v1" {
		return "/v1/" + parts[1]
	}
	return path
}

func (s *Server) allowRequest(clientIP string) bool {
	if s.cfg.RateLimitRequests <= 0 {
		return true
	}
	window := s.cfg.RateLimitWindowSecs
	if window <= 0 {
		window = 60
	}
	rps := rate.Limit(float64(s.cfg.RateLimitRequests) / float64(window))

	entry, _ := s.rateLimiters.LoadOrStore(clientIP, &rateLimiterEntry{
		limiter: rate.NewLimiter(rps, s.cfg.RateLimitRequests),
	})
	e := entry.(*rateLimiterEntry)
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// startRateLimiterCleanup evicts limiter entries for clients not seen for a
// while, bounding the map.
func (s *Server) startRateLimiterCleanup() {
	util.SafeGoWithName("rate-limiter-cleanup", func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.cleanupCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-15 * time.Minute)
				s.rateLimiters.Range(func(key, value any) bool {
					if value.(*rateLimiterEntry).lastSeen.Before(cutoff) {
						s.rateLimiters.Delete(key)
					}
					return true
				})
			}
		}
	})
}

func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
