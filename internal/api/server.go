// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the engine's HTTP surface: status and metrics queries,
// quarantine and blocklist management, observation ingest, and a websocket
// event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ackwatch/internal/clock"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/health"
	"grimm.is/ackwatch/internal/logging"
	"grimm.is/ackwatch/internal/metrics"
	"grimm.is/ackwatch/internal/sentinel"
)

// ServerConfig holds HTTP server security configuration.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration // Body read limit
	WriteTimeout      time.Duration // Response timeout
	IdleTimeout       time.Duration // Keep-alive timeout
	MaxHeaderBytes    int           // Header size limit
	MaxBodyBytes      int64         // Request body size limit
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// Server handles API requests.
type Server struct {
	cfg       *config.Config
	srvCfg    *ServerConfig
	logger    *logging.Logger
	svc       *sentinel.Service
	registry  *prometheus.Registry
	wsManager *WSManager
	limiter   *ipLimiter
	checker   *health.Checker
	startTime time.Time

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer wires the API around a running sentinel service.
func NewServer(cfg *config.Config, svc *sentinel.Service, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Server{
		cfg:       cfg,
		srvCfg:    DefaultServerConfig(),
		logger:    logging.WithComponent("api"),
		svc:       svc,
		registry:  prometheus.NewRegistry(),
		wsManager: NewWSManager(svc),
		limiter:   newIPLimiter(cfg.API.RateLimitPerSecond, cfg.API.RateLimitBurst, clk),
		checker:   health.NewChecker(clk),
		startTime: clk.Now(),
		mux:       http.NewServeMux(),
	}

	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter := metrics.NewExporter(svc)
	s.registry.MustRegister(exporter)

	s.checker.Register("engine", s.checkEngine)
	s.checker.Register("websocket", s.wsManager.healthCheck)

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	mux := s.mux

	mux.HandleFunc("GET /api/security/status", s.handleSecurityStatus)
	mux.HandleFunc("GET /api/defense/metrics", s.handleDefenseMetrics)
	mux.HandleFunc("GET /api/defense/config", s.handleGetDefenseConfig)
	mux.HandleFunc("POST /api/defense/config", s.handleUpdateDefenseConfig)
	mux.HandleFunc("GET /api/connections/metrics", s.handleConnectionMetrics)
	mux.HandleFunc("GET /api/connections/history", s.handleConnectionHistory)
	mux.HandleFunc("GET /api/traffic/summary", s.handleTrafficSummary)
	mux.HandleFunc("GET /api/quarantine", s.handleQuarantineList)
	mux.HandleFunc("POST /api/quarantine/release", s.handleQuarantineRelease)
	mux.HandleFunc("GET /api/blocklist", s.handleBlocklist)
	mux.HandleFunc("POST /api/blocklist/remove", s.handleBlocklistRemove)
	mux.HandleFunc("POST /api/observe", s.handleObserve)
	mux.HandleFunc("GET /api/ws/events", s.wsManager.HandleEvents)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.limiter.middleware(s.requestLog(http.MaxBytesHandler(s.mux, s.srvCfg.MaxBodyBytes)))
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if r.URL.Path != "/metrics" {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		}
	})
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.wsManager.Start()
	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.srvCfg.ReadHeaderTimeout,
		ReadTimeout:       s.srvCfg.ReadTimeout,
		WriteTimeout:      s.srvCfg.WriteTimeout,
		IdleTimeout:       s.srvCfg.IdleTimeout,
		MaxHeaderBytes:    s.srvCfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.API.Listen)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.wsManager.Stop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) checkEngine(ctx context.Context) health.Check {
	st := s.svc.Status()
	if st.Defense.QuarantinedIPs > 0 || st.Defense.SuspiciousConnections > 0 {
		return health.Check{
			Status:  health.StatusDegraded,
			Message: "active containment in progress",
		}
	}
	return health.Check{
		Status:  health.StatusHealthy,
		Message: "engine responding",
	}
}
