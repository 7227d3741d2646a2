package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"panelhub/internal/lease"
	"panelhub/internal/telemetry"
	"panelhub/internal/types"
)

// Task is one reconciliation sweep.
type Task interface {
	Run(ctx context.Context) (RunStats, error)
}

// JobHistory records runs. *db.JobHistoryRepository satisfies it.
type JobHistory interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// ErrUnknownTask is returned by Run for a task that was never registered.
var ErrUnknownTask = errors.New("unknown task")

type registered struct {
	task     Task
	interval time.Duration
}

// RunnerConfig wires a Runner. History and Metrics are optional.
type RunnerConfig struct {
	Locker  lease.Locker
	History JobHistory
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Runner executes registered tasks under a distributed lease so that at most
// one process runs a given task at a time.
type Runner struct {
	locker   lease.Locker
	history  JobHistory
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tasks    map[types.TaskType]registered
	newOwner func() string
}

// NewRunner creates a Runner with no tasks.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		locker:   cfg.Locker,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		logger:   logger,
		tasks:    map[types.TaskType]registered{},
		newOwner: uuid.NewString,
	}
}

// Register adds a task scheduled every interval. The interval sizes the
// lease TTL.
func (r *Runner) Register(name types.TaskType, task Task, interval time.Duration) {
	r.tasks[name] = registered{task: task, interval: interval}
}

// Tasks lists the registered task names.
func (r *Runner) Tasks() []types.TaskType {
	out := make([]types.TaskType, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	return out
}

// Interval reports how often name is scheduled, or zero if unknown.
func (r *Runner) Interval(name types.TaskType) time.Duration {
	return r.tasks[name].interval
}

// LeaseName is the lease key for a task, relative to the locker's prefix.
func LeaseName(task types.TaskType) string {
	return "lock:" + string(task)
}

// Run executes task once. ran is false when another worker holds the lease;
// that is not an error.
func (r *Runner) Run(ctx context.Context, name types.TaskType) (stats RunStats, ran bool, err error) {
	reg, ok := r.tasks[name]
	if !ok {
		return RunStats{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	log := r.logger.With("task", string(name))

	owner := r.newOwner()
	acquired, err := r.locker.Acquire(ctx, LeaseName(name), owner, lease.TTLFor(reg.interval))
	if err != nil {
		log.ErrorContext(ctx, "lease acquire failed", "error", err)
		return RunStats{}, false, err
	}
	if !acquired {
		log.DebugContext(ctx, "lease held elsewhere, skipping")
		r.metrics.ObserveSkip(string(name))
		return RunStats{}, false, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if released, err := r.locker.Release(rctx, LeaseName(name), owner); err != nil || !released {
			log.WarnContext(rctx, "lease release failed", "released", released, "error", err)
		}
	}()

	var historyID int64
	if r.history != nil {
		if historyID, err = r.history.Start(ctx, string(name)); err != nil {
			log.WarnContext(ctx, "job history start failed", "error", err)
			historyID = 0
		}
	}

	started := time.Now()
	stats, err = reg.task.Run(ctx)
	elapsed := time.Since(started)

	status := types.JobStatusSuccess
	if err != nil {
		status = types.JobStatusFailed
		log.ErrorContext(ctx, "task failed", "error", err, "scanned", stats.Scanned)
	}
	if historyID != 0 {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if herr := r.history.Finish(hctx, historyID, status, stats.Scanned, err); herr != nil {
			log.WarnContext(hctx, "job history finish failed", "error", herr)
		}
		cancel()
	}
	r.metrics.ObserveRun(string(name), status, elapsed, stats.Items())
	return stats, true, err
}
