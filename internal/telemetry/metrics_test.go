package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRun("sync_usage", "success", time.Second, map[string]int{"scanned": 5, "affected": 0})
	m.ObserveRun("sync_usage", "failed", time.Second, nil)
	m.ObserveSkip("expire_due_users")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("sync_usage", "success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RunItems.WithLabelValues("sync_usage", "scanned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsSkipped.WithLabelValues("expire_due_users")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunItems), "zero counts are not emitted")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("x", "success", 0, map[string]int{"scanned": 1})
	m.ObserveSkip("x")
	m.ObserveRequest("GET", "/", 200, 0)
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveRequest("GET", "/v1/nodes", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `panelhub_http_requests_total{method="GET",route="/v1/nodes",status="200"} 1`))
}
