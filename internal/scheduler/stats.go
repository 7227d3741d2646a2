// Package scheduler runs the periodic reconciliation sweeps that keep local
// usage and expiry authoritative over the remote panels.
//
// Each sweep walks active accounts in keyset batches (id > cursor ORDER BY
// id), commits the local state of a whole batch in one transaction, and only
// then performs best-effort remote enforcement. Remote failures are counted
// in RunStats and never roll back local state; the next sweep retries.
package scheduler

import (
	"fmt"
	"sync"
)

// maxRecordedErrors bounds RunStats.Errors.
const maxRecordedErrors = 50

// RunStats summarizes one sweep.
type RunStats struct {
	Scanned        int      `json:"scanned"`
	Affected       int      `json:"affected"`
	RemoteActions  int      `json:"remote_actions"`
	RemoteFailures int      `json:"remote_failures"`
	Errors         []string `json:"errors,omitempty"`
}

// recorder accumulates RunStats from concurrent remote calls.
type recorder struct {
	mu sync.Mutex
	s  RunStats
}

func (r *recorder) remote(err error, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.RemoteActions++
	if err != nil {
		r.s.RemoteFailures++
		r.appendError(fmt.Sprintf(format, args...) + ": " + err.Error())
	}
}

func (r *recorder) addError(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendError(fmt.Sprintf(format, args...))
}

func (r *recorder) add(scanned, affected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Scanned += scanned
	r.s.Affected += affected
}

func (r *recorder) appendError(msg string) {
	if len(r.s.Errors) < maxRecordedErrors {
		r.s.Errors = append(r.s.Errors, msg)
	}
}

func (r *recorder) stats() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.s
	out.Errors = append([]string(nil), r.s.Errors...)
	return out
}

// Items flattens the counters for metrics.
func (s RunStats) Items() map[string]int {
	return map[string]int{
		"scanned":         s.Scanned,
		"affected":        s.Affected,
		"remote_actions":  s.RemoteActions,
		"remote_failures": s.RemoteFailures,
	}
}

// clampBatch keeps a configured batch size inside [100, 10000].
func clampBatch(n, def int) int {
	if n <= 0 {
		n = def
	}
	return min(max(n, 100), 10000)
}
