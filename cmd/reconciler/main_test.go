package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelhub/internal/config"
	"panelhub/internal/db"
	"panelhub/internal/db/memstore"
	"panelhub/internal/lease"
	"panelhub/internal/panel"
	"panelhub/internal/panel/paneltest"
	"panelhub/internal/scheduler"
	"panelhub/internal/telemetry"
	"panelhub/internal/types"
)

type countingHistory struct {
	mu   sync.Mutex
	runs map[string]int
}

func (h *countingHistory) Start(_ context.Context, jobType string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runs == nil {
		h.runs = map[string]int{}
	}
	h.runs[jobType]++
	return int64(h.runs[jobType]), nil
}

func (h *countingHistory) Finish(context.Context, int64, string, int, error) error { return nil }

func (h *countingHistory) count(jobType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[jobType]
}

func testConfig(interval time.Duration) *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{KeyPrefix: "panelhub"},
		Panel: config.PanelConfig{CallTimeout: time.Second},
		Scheduler: config.SchedulerConfig{
			UsageSyncInterval: interval,
			ExpiryInterval:    interval,
			UsageBatchSize:    100,
			ExpiryBatchSize:   100,
			Concurrency:       2,
			LeaseBackend:      "redis",
		},
	}
}

type harness struct {
	runner  *scheduler.Runner
	locker  lease.Locker
	history *countingHistory
	logger  *slog.Logger
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig(interval)
	h := &harness{
		locker:  newLocker(cfg, nil, rdb),
		history: &countingHistory{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.runner = newRunner(cfg, scheduler.Deps{
		Store:    memstore.New(),
		Adapters: paneltest.NewSource(map[int64]panel.Adapter{}),
	}, scheduler.RunnerConfig{
		Locker:  h.locker,
		History: h.history,
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:  h.logger,
	})
	return h
}

func TestCronSpec(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{time.Minute, "@every 1m0s"},
		{90 * time.Second, "@every 1m30s"},
		{100 * time.Millisecond, "@every 1s"},
		{0, "@every 1s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cronSpec(tc.in), "interval %v", tc.in)
	}
}

func TestNewLocker_FollowsBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig(time.Minute)
	assert.IsType(t, &lease.RedisLocker{}, newLocker(cfg, nil, rdb))

	cfg.Scheduler.LeaseBackend = "postgres"
	assert.IsType(t, &db.JobLockRepository{}, newLocker(cfg, nil, nil))
}

func TestNewRunner_RegistersBothSweeps(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	assert.ElementsMatch(t, taskNames(), h.runner.Tasks())
	assert.Equal(t, 2*time.Minute, h.runner.Interval(types.TaskUsageSync))
	assert.Equal(t, 2*time.Minute, h.runner.Interval(types.TaskExpiry))
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runOnce(ctx, h.runner, types.TaskUsageSync, &out))
	var stats scheduler.RunStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.Equal(t, 0, stats.Scanned)
	assert.Equal(t, 1, h.history.count("sync_usage"))

	err := runOnce(ctx, h.runner, "nope", &out)
	assert.ErrorIs(t, err, scheduler.ErrUnknownTask)
}

func TestRunOnce_LeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	ok, err := h.locker.Acquire(ctx, scheduler.LeaseName(types.TaskExpiry), "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = runOnce(ctx, h.runner, types.TaskExpiry, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease is held")
	assert.Zero(t, h.history.count("expire_due_users"))
}

func TestSchedule_RunsSweepsOnCadence(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCron(h.logger)
	require.NoError(t, schedule(ctx, c, h.runner, h.logger))
	assert.Len(t, c.Entries(), 2)

	c.Start()
	defer func() { <-c.Stop().Done() }()

	require.Eventually(t, func() bool {
		return h.history.count("sync_usage") > 0 && h.history.count("expire_due_users") > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	cl := cronLogger{slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	cl.Info("wake", "now", "x")
	cl.Error(assert.AnError, "panic", "job", "sync_usage")

	assert.Contains(t, buf.String(), "cron: wake")
	assert.Contains(t, buf.String(), "job=sync_usage")
	assert.Contains(t, buf.String(), assert.AnError.Error())
}
