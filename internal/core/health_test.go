package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOf(t *testing.T, srv *Server) (int, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := healthOf(t, newTestServer(t))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	srv := newTestServer(t)
	ok := func(context.Context) error { return nil }
	srv.HealthProbes = []HealthProbe{ProbeFunc{"database", ok}, ProbeFunc{"redis", ok}}

	code, resp := healthOf(t, srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "healthy", resp.Components["redis"].Status)
}

func TestHandleHealth_FailureTimeoutAndPanic(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		ProbeFunc{"database", func(context.Context) error { return errors.New("connection refused") }},
		ProbeFunc{"redis", func(ctx context.Context) error {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			// Reported after the deadline, so it is ignored.
			time.Sleep(50 * time.Millisecond)
			return nil
		}},
		ProbeFunc{"panel", func(context.Context) error { panic("nil adapter") }},
	}

	code, resp := healthOf(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Components["database"].Message)
	assert.Equal(t, "health check timed out", resp.Components["redis"].Message)
	assert.Contains(t, resp.Components["panel"].Message, "probe panicked")
}
