// Package main is the entry point for the panelhub API server.
//
// It loads configuration, opens the Postgres pool and the optional Redis
// client, wires the provisioning service and the subscription aggregator
// into the HTTP chassis, and serves until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"panelhub/internal/api/handlers"
	"panelhub/internal/config"
	"panelhub/internal/core"
	"panelhub/internal/db"
	"panelhub/internal/lease"
	"panelhub/internal/panel"
	"panelhub/internal/provisioning"
	"panelhub/internal/security"
	"panelhub/internal/subscription"
	"panelhub/internal/telemetry"
	"panelhub/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("panelhub API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	var rdb *goredis.Client
	if !cfg.Redis.URL.IsZero() {
		if rdb, err = lease.NewRedisClient(cfg.Redis.URL.Unmask()); err != nil {
			pool.Close()
			return err
		}
	} else {
		logger.Warn("REDIS_URL not set, rate limiting and idempotency are disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fetcher := subscription.NewHTTPFetcher(cfg.Subscription.FetchTimeout, cfg.Panel.UserAgent)
	if cfg.Subscription.BlockPrivateNetworks {
		fetcher.WithGuard(security.NewGuard(nil))
	}

	d := deps{
		Store:    db.NewStore(pool),
		Adapters: panel.NewFactory(cfg.Panel, logger),
		Fetcher:  fetcher,
		Metrics:  telemetry.NewMetrics(reg),
		Probes: []core.HealthProbe{
			core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
		},
	}
	if rdb != nil {
		d.Redis = rdb
	}
	srv, err := buildServer(cfg, d, logger)
	if err != nil {
		pool.Close()
		return err
	}
	srv.OnShutdown = append(srv.OnShutdown, func(context.Context) error {
		pool.Close()
		return nil
	})
	if rdb != nil {
		srv.OnShutdown = append(srv.OnShutdown, func(context.Context) error { return rdb.Close() })
	}

	return runHTTPServer(srv, cfg, telemetry.Handler(reg), logger)
}

// deps are the collaborators buildServer wires into the router.
type deps struct {
	Store    types.Store
	Adapters panel.Source
	Fetcher  subscription.Fetcher
	Redis    goredis.UniversalClient
	Metrics  *telemetry.Metrics
	Probes   []core.HealthProbe
}

// buildServer assembles the services, handlers and middleware stores.
func buildServer(cfg *config.Config, d deps, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	if d.Metrics != nil {
		srv.Metrics = d.Metrics
	}
	srv.HealthProbes = d.Probes
	if d.Redis != nil {
		prefix := cfg.Redis.KeyPrefix
		srv.RateLimitStore = core.NewRedisRateLimitStore(d.Redis, prefix)
		srv.IdempotencyStore = core.NewRedisIdempotencyStore(d.Redis, prefix, cfg.Security.IdempotencyTTL)
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() },
		})
	}

	svc := provisioning.New(provisioning.Config{
		Store:        d.Store,
		Adapters:     d.Adapters,
		CallTimeout:  cfg.Panel.CallTimeout,
		RefundWindow: cfg.Billing.RefundWindow,
		Logger:       logger.With("component", "provisioning"),
	})
	agg := subscription.NewAggregator(subscription.Config{
		Store:         d.Store,
		Adapters:      d.Adapters,
		Fetcher:       d.Fetcher,
		PublicBaseURL: cfg.Subscription.PublicBaseURL,
		CallTimeout:   cfg.Panel.CallTimeout,
		Logger:        logger.With("component", "subscription"),
	})

	accounts := handlers.NewAccountHandler(svc, agg, srv.Validator, logger)
	admin := handlers.NewAdminHandler(svc, srv.Validator, logger)
	subs := handlers.NewSubscriptionHandler(agg, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		accounts.RegisterRoutes,
		func(r chi.Router) { admin.RegisterRoutes(r, srv.RequireAdmin) },
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, subs.RegisterRoutes)
	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves the API and the metrics endpoint until a signal
// arrives, then drains both.
func runHTTPServer(srv *core.Server, cfg *config.Config, metrics http.Handler, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case runErr = <-serverErr:
		logger.Error("server failed", "error", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
