package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelhub/internal/telemetry"
	"panelhub/internal/types"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	ttls     map[string]time.Duration
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (l *fakeLocker) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return false, nil
	}
	l.held[name] = owner
	l.ttls[name] = ttl
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, name, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] != owner {
		return false, nil
	}
	delete(l.held, name)
	l.released = append(l.released, name)
	return true, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []string
	statuses []string
	items    []int
}

func (h *fakeHistory) Start(_ context.Context, jobType string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, jobType)
	return int64(len(h.started)), nil
}

func (h *fakeHistory) Finish(_ context.Context, _ int64, status string, items int, _ error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
	h.items = append(h.items, items)
	return nil
}

type taskFunc func(ctx context.Context) (RunStats, error)

func (f taskFunc) Run(ctx context.Context) (RunStats, error) { return f(ctx) }

func TestRunner_RunsUnderLeaseAndRecords(t *testing.T) {
	locker, history := newFakeLocker(), &fakeHistory{}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	r := NewRunner(RunnerConfig{Locker: locker, History: history, Metrics: metrics})

	var sawLease bool
	r.Register(types.TaskUsageSync, taskFunc(func(context.Context) (RunStats, error) {
		locker.mu.Lock()
		_, sawLease = locker.held["lock:sync_usage"]
		locker.mu.Unlock()
		return RunStats{Scanned: 4, Affected: 1}, nil
	}), 5*time.Minute)

	stats, ran, err := r.Run(context.Background(), types.TaskUsageSync)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, sawLease, "task must run while the lease is held")
	assert.Equal(t, 4, stats.Scanned)

	assert.Equal(t, 10*time.Minute, locker.ttls["lock:sync_usage"])
	assert.Equal(t, []string{"lock:sync_usage"}, locker.released)
	assert.Equal(t, []string{"sync_usage"}, history.started)
	assert.Equal(t, []string{types.JobStatusSuccess}, history.statuses)
	assert.Equal(t, []int{4}, history.items)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("sync_usage", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunItems.WithLabelValues("sync_usage", "affected")))
}

func TestRunner_SkipsWhenLeaseHeld(t *testing.T) {
	locker := newFakeLocker()
	locker.held["lock:expire_due_users"] = "someone-else"
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	r := NewRunner(RunnerConfig{Locker: locker, Metrics: metrics})

	called := false
	r.Register(types.TaskExpiry, taskFunc(func(context.Context) (RunStats, error) {
		called = true
		return RunStats{}, nil
	}), time.Minute)

	_, ran, err := r.Run(context.Background(), types.TaskExpiry)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
	assert.Equal(t, "someone-else", locker.held["lock:expire_due_users"], "foreign lease untouched")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsSkipped.WithLabelValues("expire_due_users")))
}

func TestRunner_TaskFailureIsRecordedAndLeaseReleased(t *testing.T) {
	locker, history := newFakeLocker(), &fakeHistory{}
	r := NewRunner(RunnerConfig{Locker: locker, History: history})
	boom := errors.New("db gone")
	r.Register(types.TaskExpiry, taskFunc(func(context.Context) (RunStats, error) {
		return RunStats{Scanned: 2}, boom
	}), time.Minute)

	_, ran, err := r.Run(context.Background(), types.TaskExpiry)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
	assert.Equal(t, []string{types.JobStatusFailed}, history.statuses)
	assert.Empty(t, locker.held)
}

func TestRunner_UnknownTask(t *testing.T) {
	r := NewRunner(RunnerConfig{Locker: newFakeLocker()})
	_, _, err := r.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Zero(t, r.Interval("nope"))

	r.Register(types.TaskExpiry, taskFunc(func(context.Context) (RunStats, error) { return RunStats{}, nil }), 2*time.Minute)
	assert.Equal(t, 2*time.Minute, r.Interval(types.TaskExpiry))
}

func TestRunner_OverlappingRunsAreExclusive(t *testing.T) {
	locker := newFakeLocker()
	r := NewRunner(RunnerConfig{Locker: locker})

	release := make(chan struct{})
	entered := make(chan struct{})
	r.Register(types.TaskUsageSync, taskFunc(func(context.Context) (RunStats, error) {
		close(entered)
		<-release
		return RunStats{}, nil
	}), time.Minute)

	done := make(chan bool)
	go func() {
		_, ran, _ := r.Run(context.Background(), types.TaskUsageSync)
		done <- ran
	}()
	<-entered

	_, ran, err := r.Run(context.Background(), types.TaskUsageSync)
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	assert.True(t, <-done)
}
