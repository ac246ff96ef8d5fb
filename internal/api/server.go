// Package api is the HTTP surface: sign-in, linking, and the event stream.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/linkgate/linkgate/internal/authn"
	"github.com/linkgate/linkgate/internal/bottoken"
	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/limiter"
	"github.com/linkgate/linkgate/internal/linking"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/middleware"
	"github.com/linkgate/linkgate/internal/realtime"
	"github.com/linkgate/linkgate/internal/session"
	"github.com/linkgate/linkgate/internal/store"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 64 << 10

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store         store.Store
	Sessions      *session.Codec
	Cookies       session.CookieSettings
	Authenticator *authn.Authenticator
	Tokens        *bottoken.Manager
	Linking       *linking.Service
	Gate          *limiter.Gate
	Realtime      *realtime.Registry
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	Auditor       logging.Auditor
	Clock         func() time.Time
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      *config.Config
	deps        Deps
	logger      *logging.Logger
	ipLimiter   *middleware.IPRateLimiter
	mu          sync.Mutex
	httpServer  *http.Server
	now         func() time.Time
	dummyHashFn func() []byte
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Auditor == nil {
		deps.Auditor = logging.NopAuditor{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics("linkgate")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Gate == nil {
		deps.Gate = limiter.NewGate(limiter.New(deps.Metrics), cfg.RateLimit.Rule, limiter.WithGateAuditor(deps.Auditor))
	}

	rps := cfg.Server.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Server.Burst
	if burst <= 0 {
		burst = 40
	}

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		deps:        deps,
		logger:      deps.Logger,
		ipLimiter:   middleware.NewIPRateLimiter(rps, burst),
		now:         deps.Clock,
		dummyHashFn: dummyPasswordHash,
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(middleware.RequestLogger(server.logger))
	server.router.Use(metrics.Middleware(deps.Metrics, server.logger))
	server.router.Use(middleware.BodyLimit(MaxBodyBytes))

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RateLimit(s.ipLimiter))

	v1.POST("/auth/login", s.handleLogin)
	v1.POST("/auth/logout", s.handleLogout)

	// Server-to-server redeem, authenticated by the webhook secret
	v1.POST("/link/redeem", RequireWebhookSecret(s.config.Webhook.Secret, s.logger), s.handleLinkRedeem)

	authed := v1.Group("")
	authed.Use(Authenticate(s.deps.Authenticator, s.deps.Gate, s.logger), RequireAccount())
	{
		authed.GET("/me", s.handleMe)
		authed.POST("/link/code", RequireChannel(authn.ChannelSession), s.handleLinkCode)
		authed.POST("/link/revoke", s.handleLinkRevoke)
		authed.GET("/events", s.handleEvents)
	}
}

// Run listens on the configured address and serves until Shutdown.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, over TLS when configured. Open event
// streams are closed as soon as Shutdown begins so it does not wait on them.
func (s *Server) Serve(ln net.Listener) error {
	addr := ln.Addr().String()
	tlsCfg := s.config.Server.TLS

	var srv *http.Server
	if tlsCfg.Enabled {
		var err error
		srv, err = NewHTTPSServerWithConfig(addr, tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.MinVersion, s.router)
		if err != nil {
			ln.Close()
			return &errors.ErrServerStart{Addr: addr, Err: err}
		}
	} else {
		srv = NewHTTPServer(addr, s.router)
	}
	srv.RegisterOnShutdown(s.closeStreams)

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if tlsCfg.Enabled {
		s.logger.Info("starting HTTPS server", "addr", addr, "min_version", tlsCfg.MinVersion)
		return srv.ServeTLS(ln, "", "")
	}
	s.logger.Info("starting HTTP server", "addr", addr)
	return srv.Serve(ln)
}

func (s *Server) closeStreams() {
	if s.deps.Realtime != nil {
		s.deps.Realtime.CloseAll()
	}
}

// StartIPLimiterCleanup forgets idle client IPs every interval until ctx ends.
func (s *Server) StartIPLimiterCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ipLimiter.Cleanup(interval)
			}
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("initiating graceful shutdown")
	if err := srv.Shutdown(ctx); err != nil {
		return &errors.ErrServerShutdown{Err: err}
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	storeStatus := "ok"
	if err := s.deps.Store.Ping(ctx); err != nil {
		status, code, storeStatus = "unhealthy", http.StatusServiceUnavailable, "unavailable"
		s.logger.WarnWithContext(c.Request.Context(), "health check failed", "error", err.Error())
	}

	body := gin.H{
		"status":    status,
		"timestamp": s.now().UTC(),
		"store":     storeStatus,
	}
	if s.deps.Realtime != nil {
		body["realtime_connections"] = s.deps.Realtime.Len()
	}
	c.JSON(code, body)
}
