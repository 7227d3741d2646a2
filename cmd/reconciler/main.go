// Package main is the entry point for the panelhub reconciler.
//
// The reconciler runs the usage sync and expiry sweeps on a cron schedule.
// Every run takes a named lease first, so any number of replicas can be
// deployed and each sweep still runs in one place at a time.
//
// Usage:
//
//	reconciler                      # run the schedule until SIGTERM
//	reconciler --once=sync_usage    # run one sweep and exit
//	reconciler --list               # print the registered sweeps
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"panelhub/internal/config"
	"panelhub/internal/db"
	"panelhub/internal/lease"
	"panelhub/internal/panel"
	"panelhub/internal/scheduler"
	"panelhub/internal/telemetry"
	"panelhub/internal/types"
)

func main() {
	once := flag.String("once", "", "run one sweep by name and exit")
	list := flag.Bool("list", false, "list sweeps and exit")
	flag.Parse()

	if *list {
		for _, name := range taskNames() {
			fmt.Println(name)
		}
		return
	}
	if err := run(types.TaskType(*once)); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func taskNames() []types.TaskType {
	return []types.TaskType{types.TaskUsageSync, types.TaskExpiry}
}

func run(once types.TaskType) error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.RequireRedis(); err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel).With("component", "reconciler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	var rdb *goredis.Client
	if cfg.Scheduler.LeaseBackend == "redis" {
		if rdb, err = lease.NewRedisClient(cfg.Redis.URL.Unmask()); err != nil {
			return err
		}
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runner := newRunner(cfg, scheduler.Deps{
		Store:    db.NewStore(pool),
		Adapters: panel.NewFactory(cfg.Panel, logger),
	}, scheduler.RunnerConfig{
		Locker:  newLocker(cfg, pool, rdb),
		History: db.NewJobHistoryRepository(pool),
		Metrics: telemetry.NewMetrics(reg),
		Logger:  logger,
	})

	if once != "" {
		return runOnce(ctx, runner, once, os.Stdout)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	c := newCron(logger)
	if err := schedule(ctx, c, runner, logger); err != nil {
		return err
	}
	c.Start()
	logger.Info("reconciler started", "tasks", len(runner.Tasks()), "lease_backend", cfg.Scheduler.LeaseBackend)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	select {
	case <-c.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweeps still running at shutdown deadline")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	logger.Info("reconciler stopped")
	return nil
}

// newLocker picks the lease store named by LEASE_BACKEND.
func newLocker(cfg *config.Config, conn db.DBTX, rdb *goredis.Client) lease.Locker {
	if cfg.Scheduler.LeaseBackend == "redis" && rdb != nil {
		return lease.NewRedisLocker(rdb, cfg.Redis.KeyPrefix)
	}
	return lease.NewPostgresLocker(conn)
}

// newRunner registers both sweeps with their configured cadence.
func newRunner(cfg *config.Config, deps scheduler.Deps, rc scheduler.RunnerConfig) *scheduler.Runner {
	deps.CallTimeout = cfg.Panel.CallTimeout
	deps.Concurrency = cfg.Scheduler.Concurrency
	if deps.Logger == nil {
		deps.Logger = rc.Logger
	}

	r := scheduler.NewRunner(rc)
	r.Register(types.TaskUsageSync,
		scheduler.NewUsageSyncService(deps, config.ClampBatchSize(cfg.Scheduler.UsageBatchSize)),
		cfg.Scheduler.UsageSyncInterval)
	r.Register(types.TaskExpiry,
		scheduler.NewExpiryService(deps, config.ClampBatchSize(cfg.Scheduler.ExpiryBatchSize)),
		cfg.Scheduler.ExpiryInterval)
	return r
}

func newCron(logger *slog.Logger) *cron.Cron {
	cl := cronLogger{logger}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// schedule adds one cron entry per registered task. Entries share ctx so
// that shutdown cancels sweeps in flight.
func schedule(ctx context.Context, c *cron.Cron, runner *scheduler.Runner, logger *slog.Logger) error {
	names := runner.Tasks()
	slices.Sort(names)
	for _, name := range names {
		spec := cronSpec(runner.Interval(name))
		if _, err := c.AddFunc(spec, func() {
			stats, ran, err := runner.Run(ctx, name)
			if err != nil || !ran {
				return
			}
			logger.InfoContext(ctx, "sweep finished",
				"task", string(name),
				"scanned", stats.Scanned,
				"affected", stats.Affected,
				"remote_actions", stats.RemoteActions,
				"remote_failures", stats.RemoteFailures,
			)
		}); err != nil {
			return fmt.Errorf("scheduling %s: %w", name, err)
		}
		logger.Info("sweep scheduled", "task", string(name), "spec", spec)
	}
	return nil
}

// cronSpec turns an interval into a cron descriptor. Intervals under a
// second are rounded up.
func cronSpec(interval time.Duration) string {
	return "@every " + max(interval, time.Second).String()
}

// runOnce runs name immediately and prints its stats as JSON.
func runOnce(ctx context.Context, runner *scheduler.Runner, name types.TaskType, out io.Writer) error {
	if !slices.Contains(runner.Tasks(), name) {
		return fmt.Errorf("%w: %s (known: %v)", scheduler.ErrUnknownTask, name, taskNames())
	}
	stats, ran, err := runner.Run(ctx, name)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("%s: lease is held by another worker", name)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(g))
	return mux
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

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
