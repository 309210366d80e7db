package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/audit"
	"github.com/aman-churiwal/xvpn-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/aman-churiwal/xvpn-gateway/internal/healthcheck"
	"github.com/aman-churiwal/xvpn-gateway/internal/jwks"
	"github.com/aman-churiwal/xvpn-gateway/internal/logging"
	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/policy"
	"github.com/aman-churiwal/xvpn-gateway/internal/proxy"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/aman-churiwal/xvpn-gateway/internal/repository"
	"github.com/aman-churiwal/xvpn-gateway/internal/server"
	"github.com/aman-churiwal/xvpn-gateway/internal/service"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// logger settings come from the config, so this one goes out with defaults
		boot := logging.New("info", "json", os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	redis, err := storage.NewRedis(
		cfg.Redis.GetRedisAddr(),
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.GetRedisAddr()).Msg("failed to connect to redis")
	}
	defer redis.Close()

	logger.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("connected to redis")

	m := metrics.New()
	checker := healthcheck.NewChecker(healthcheck.Config{}, logging.Component(logger, "healthcheck"))
	checker.Add("redis", redis.Ping)

	sinks := []audit.Sink{audit.NewRedisSink(redis, cfg.Audit.Retention.Duration)}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Database.URL != "" {
		postgres, err := storage.NewPostgres(cfg.Database.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit archive")
		}
		defer postgres.Close()

		if err := postgres.AutoMigrate(); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate audit archive")
		}

		repo := repository.NewAuditRepository(postgres)
		sinks = append(sinks, audit.NewPostgresSink(repo))
		checker.Add("postgres", postgres.Ping)

		janitor := audit.NewJanitor(repo, cfg.Audit.Retention.Duration, time.Hour, logging.Component(logger, "janitor"))
		go janitor.Run(rootCtx)

		logger.Info().Msg("audit archive enabled")
	}

	keys := jwks.New(jwks.Config{
		URL:                cfg.Auth.KeySetURL(),
		TTL:                cfg.Auth.JWKSCacheTTL.Duration,
		MinRefreshInterval: cfg.Auth.MinRefreshInterval.Duration,
	}, logging.Component(logger, "jwks"))
	checker.Add("identity_provider", keys.Ensure)

	verifier := service.NewAuthService(
		keys,
		cfg.Auth.IssuerURL(),
		cfg.Auth.Audience,
		cfg.Auth.ClockSkew.Duration,
		logging.Component(logger, "auth"),
	)

	limiter, err := ratelimit.NewLimiter(redis, cfg.RateLimit.Algorithm, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window.Duration)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rate limiter")
	}

	domains, invalid := policy.New(cfg.Proxy.AllowedDomains)
	for _, entry := range invalid {
		logger.Warn().Str("entry", entry).Msg("ignoring invalid allowed domain")
	}
	if domains.Permissive() {
		logger.Warn().Msg("no allowed domains configured, every destination is permitted")
	}

	var breaker *circuitbreaker.Config
	if cfg.Proxy.BreakerMaxFailures > 0 {
		breaker = &circuitbreaker.Config{
			MaxFailures: cfg.Proxy.BreakerMaxFailures,
			Timeout:     cfg.Proxy.BreakerTimeout.Duration,
		}
	}

	forwarder := proxy.New(proxy.Config{
		Timeout:      cfg.Proxy.Timeout.Duration,
		UserAgent:    cfg.Proxy.UserAgent,
		MaxRedirects: cfg.Proxy.MaxRedirects,
		RedirectPolicy: func(u *url.URL) error {
			_, err := domains.Check(u.String())
			return err
		},
		Breaker: breaker,
	}, logging.Component(logger, "forwarder"))

	auditLog := audit.NewLogger(audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval.Duration,
		Observer:      m,
	}, logging.Component(logger, "audit"), sinks...)

	checker.Start()
	defer checker.Stop()

	srv := server.New(cfg, server.Deps{
		Verifier:  verifier,
		Limiter:   limiter,
		Policy:    domains,
		Forwarder: forwarder,
		Audit:     auditLog,
		Metrics:   m,
		Health:    checker,
	}, logger)

	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()

	if err := auditLog.Close(drainCtx); err != nil {
		logger.Error().Err(err).Msg("audit events lost during shutdown")
	}

	stop()
	logger.Info().Msg("server exited")
}
