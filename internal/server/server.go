package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/aman-churiwal/xvpn-gateway/internal/handler"
	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/middleware"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Satisfied by *proxy.Forwarder
type Forwarder interface {
	handler.Forwarder
	handler.BreakerControl
}

// Components the routes are built from
type Deps struct {
	Verifier  middleware.TokenVerifier
	Limiter   ratelimit.Limiter
	Policy    handler.TargetPolicy
	Forwarder Forwarder
	Audit     handler.Auditor
	Metrics   *metrics.Metrics
	Health    handler.HealthReporter
	// Clock for rate limiting and /health; nil means time.Now
	Now func() time.Time
}

type Server struct {
	router      *gin.Engine
	admin       *gin.Engine
	config      *config.Config
	deps        Deps
	logger      zerolog.Logger
	httpServer  *http.Server
	adminServer *http.Server
}

func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		router: newEngine(),
		admin:  newEngine(),
		config: cfg,
		deps:   deps,
		logger: logger.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.setupAdminRoutes()

	return s
}

// Paths match exactly; /health/ is not /health
func newEngine() *gin.Engine {
	e := gin.New()
	e.RedirectTrailingSlash = false
	e.RedirectFixedPath = false
	return e
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.deps.Metrics))
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	system := handler.NewSystemHandler(s.deps.Now)
	proxyHandler := handler.NewProxyHandler(s.deps.Policy, s.deps.Forwarder, s.deps.Audit, s.deps.Metrics, s.logger)

	s.router.Any("/health", system.Health)
	s.router.Any("/", system.Info)
	s.router.Any("/api", system.Info)

	authenticated := []gin.HandlerFunc{
		middleware.RequireAuth(s.deps.Verifier, s.deps.Metrics),
		middleware.RateLimit(s.deps.Limiter, s.deps.Now, s.deps.Metrics, s.logger),
	}

	api := s.router.Group("", authenticated...)
	{
		api.Any("/session", handler.Session)
		api.Any("/proxy", proxyHandler.Handle)
	}

	// unknown paths still authenticate and spend quota before the 404
	s.router.NoRoute(append(authenticated, system.NotFound)...)
}

func (s *Server) setupAdminRoutes() {
	admin := handler.NewAdminHandler(s.deps.Health, s.deps.Forwarder)

	s.admin.Use(middleware.Recovery(s.logger))
	s.admin.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	s.admin.GET("/readyz", admin.Ready)
	s.admin.GET("/breakers", admin.Breakers)
	s.admin.POST("/breakers/:host/reset", admin.ResetBreaker)
}

// Serves the public listener and, when configured, the admin listener.
// Blocks until the public listener stops.
func (s *Server) Run() error {
	timeout := s.config.Proxy.Timeout.Duration

	s.httpServer = &http.Server{
		Addr:              ":" + s.config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if addr := s.config.Server.AdminAddr; addr != "" {
		s.adminServer = &http.Server{
			Addr:              addr,
			Handler:           s.admin,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info().Str("addr", addr).Msg("admin listener started")
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("admin listener failed")
			}
		}()
	}

	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Str("environment", s.config.Server.Environment).
		Msg("starting xvpn gateway")

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down listeners")

	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.adminServer != nil {
		errs = append(errs, s.adminServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func (s *Server) GetAdminRouter() *gin.Engine {
	return s.admin
}
