package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_RequiresConfigAndLogger(t *testing.T) {
	_, err := NewServer(nil, testLogger())
	assert.Error(t, err)
	_, err = NewServer(testConfig(), nil)
	assert.Error(t, err)

	srv, err := NewServer(testConfig(), testLogger())
	require.NoError(t, err)
	assert.NotNil(t, srv.Validator)
	assert.NotNil(t, srv.Router())
}

func TestShutdown_RunsHooksAndReturnsFirstError(t *testing.T) {
	srv := newTestServer(t)
	var ran []string
	boom := errors.New("boom")
	srv.OnShutdown = []func(context.Context) error{
		func(context.Context) error { ran = append(ran, "a"); return boom },
		func(context.Context) error { ran = append(ran, "b"); return errors.New("second") },
	}
	err := srv.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestMountRoutes_GroupsAndMiddleware(t *testing.T) {
	srv := newTestServer(t)
	metrics := &MockMetrics{}
	srv.Metrics = metrics
	srv.V1RouteRegistrars = []RouteRegistrar{func(r chi.Router) {
		r.Get("/accounts/{id}", okHandler)
	}}
	srv.PublicRouteRegistrars = []RouteRegistrar{func(r chi.Router) {
		r.Get("/sub/{token}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("body"))
		})
	}}
	srv.MountRoutes()
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sub/secret-token", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/5", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, v1Request(http.MethodGet, "/v1/accounts/5", "7", ""))
	assert.Equal(t, http.StatusOK, w.Code)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	var routes []string
	for _, req := range metrics.Requests {
		routes = append(routes, req.Route)
	}
	assert.Contains(t, routes, "/sub/{token}")
	assert.Contains(t, routes, "/v1/accounts/{id}")
	for _, route := range routes {
		assert.NotContains(t, route, "secret-token")
	}
}

func TestRequestIDMiddleware_ReusesIncomingID(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Request-Id", "abc123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, "abc123", w.Header().Get("X-Request-Id"))
}

func TestCompressionMiddleware_GzipsLargeBodies(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	h := CompressionMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(big)
	}))

	r := httptest.NewRequest(http.MethodGet, "/sub/x", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Less(t, w.Body.Len(), len(big))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sub/x", nil))
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, len(big), w.Body.Len())
}
