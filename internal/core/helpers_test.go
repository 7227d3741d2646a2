package core

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"panelhub/internal/config"
)

// syncBuffer lets handlers log from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&syncBuffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Security: config.SecurityConfig{
			GatewayKey:      "gateway-key-0123456789",
			TenantRateLimit: 10,
			SubRateLimit:    10,
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"ok": "yes"})
}

// v1Request builds an authenticated /v1 request.
func v1Request(method, path, tenant, role string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Header.Set(HeaderGatewayKey, "gateway-key-0123456789")
	if tenant != "" {
		r.Header.Set(HeaderTenantID, tenant)
	}
	if role != "" {
		r.Header.Set(HeaderTenantRole, role)
	}
	return r
}
