package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"panelhub/internal/config"
	"panelhub/internal/core"
	"panelhub/internal/db/memstore"
	"panelhub/internal/panel"
	"panelhub/internal/panel/paneltest"
	"panelhub/internal/provisioning"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

const gatewayKey = "test-gateway-key-000"

// echoFetcher answers every subscription URL with one link naming it.
type echoFetcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (f *echoFetcher) Fetch(_ context.Context, u string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[u] {
		return "", types.NewAppError(types.ErrCodeUpstreamSubscriptionFetch, "fetch failed", nil)
	}
	return base64.StdEncoding.EncodeToString([]byte("vless://" + u + "\n")), nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	source *paneltest.Source
	svc    *provisioning.Service
	agg    *subscription.Aggregator
	tenant *types.Tenant
	srv    *core.Server
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	now := func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  memstore.New(),
		source: paneltest.NewSource(map[int64]panel.Adapter{}),
	}
	f.store.SetClock(now)
	f.tenant = &types.Tenant{Username: "r1", Balance: balance, PricePerGB: 2, PricePerDay: 1}
	require.NoError(t, f.store.Repos().Tenants.Create(f.ctx, f.tenant))

	f.svc = provisioning.New(provisioning.Config{Store: f.store, Adapters: f.source, CallTimeout: time.Second, Logger: logger, Now: now})
	f.agg = subscription.NewAggregator(subscription.Config{
		Store: f.store, Adapters: f.source, Fetcher: &echoFetcher{},
		PublicBaseURL: "https://hub.example/", CallTimeout: time.Second, Logger: logger, Now: now,
	})

	cfg := &config.Config{Environment: "local", Security: config.SecurityConfig{GatewayKey: gatewayKey}}
	srv, err := core.NewServer(cfg, logger)
	require.NoError(t, err)
	srv.IdempotencyStore = core.NewMemoryIdempotencyStore()

	accounts := NewAccountHandler(f.svc, f.agg, srv.Validator, logger)
	admin := NewAdminHandler(f.svc, srv.Validator, logger)
	subs := NewSubscriptionHandler(f.agg, logger)
	srv.V1RouteRegistrars = []core.RouteRegistrar{
		accounts.RegisterRoutes,
		func(r chi.Router) { admin.RegisterRoutes(r, srv.RequireAdmin) },
	}
	srv.PublicRouteRegistrars = []core.RouteRegistrar{subs.RegisterRoutes}
	srv.MountRoutes()
	f.srv = srv
	return f
}

// node registers an allocated node backed by adapter.
func (f *fixture) node(family types.PanelFamily, adapter func(id int64) panel.Adapter) *types.Node {
	f.t.Helper()
	n := &types.Node{Name: string(family), Family: family, BaseURL: "https://panel.example", Enabled: true, VisibleInSub: true}
	require.NoError(f.t, f.store.Repos().Nodes.Create(f.ctx, n))
	f.source.Set(n.ID, adapter(n.ID))
	require.NoError(f.t, f.store.Repos().Allocations.Upsert(f.ctx,
		&types.NodeAllocation{TenantID: f.tenant.ID, NodeID: n.ID, Enabled: true}))
	return n
}

func restAdapter(id int64) panel.Adapter { return paneltest.New(id) }
func wgAdapter(id int64) panel.Adapter   { return paneltest.NewWireGuard(id) }

type call struct {
	method, path string
	body         any
	tenant       int64
	role         string
	headers      map[string]string
}

func (f *fixture) do(c call) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(c.body))
	}
	r := httptest.NewRequest(c.method, c.path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if c.tenant != 0 {
		r.Header.Set(core.HeaderGatewayKey, gatewayKey)
		r.Header.Set(core.HeaderTenantID, strconv.FormatInt(c.tenant, 10))
		r.Header.Set(core.HeaderTenantRole, c.role)
	}
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

// as issues a reseller call for the fixture tenant.
func (f *fixture) as(method, path string, body any) *httptest.ResponseRecorder {
	return f.do(call{method: method, path: path, body: body, tenant: f.tenant.ID})
}

func (f *fixture) admin(method, path string, body any) *httptest.ResponseRecorder {
	return f.do(call{method: method, path: path, body: body, tenant: 9999, role: "admin"})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[core.APIErrorResponse](t, w).Error.Code
}

func (f *fixture) balance() int64 {
	f.t.Helper()
	t, err := f.store.Repos().Tenants.GetByID(f.ctx, f.tenant.ID)
	require.NoError(f.t, err)
	return t.Balance
}

func (f *fixture) createAccount(nodeIDs ...int64) CreateAccountResponse {
	f.t.Helper()
	w := f.as(http.MethodPost, "/v1/accounts", map[string]any{
		"label": "alice", "total_gb": 10, "days": 30, "node_ids": nodeIDs,
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[CreateAccountResponse](f.t, w)
}

func path(format string, id int64) string {
	return "/v1/accounts/" + itoa(id) + format
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
