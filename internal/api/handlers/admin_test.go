package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelhub/internal/billing"
	"panelhub/internal/panel"
	"panelhub/internal/types"
)

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	f := newFixture(t, 100)
	w := f.as(http.MethodGet, "/v1/admin/nodes", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(call{method: http.MethodGet, path: "/v1/admin/nodes"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminNodes_HideCredentials(t *testing.T) {
	f := newFixture(t, 100)

	w := f.admin(http.MethodPost, "/v1/admin/nodes", CreateNodeRequest{
		Name: "de-1", Family: types.FamilyMarzban, BaseURL: "https://de1.example/",
		Credentials: types.Credentials{"username": "root", "password": "s3cret"},
		Tags:        []string{"eu"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")
	created := decode[NodeResponse](t, w)
	assert.Equal(t, "https://de1.example", created.BaseURL)
	assert.Equal(t, []string{"password", "username"}, created.CredentialKeys)
	assert.True(t, created.Enabled)

	w = f.admin(http.MethodPost, "/v1/admin/nodes", map[string]any{"name": "x", "panel_type": "xui", "base_url": "https://x.example"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidFamily), errorCode(t, w))

	w = f.admin(http.MethodGet, "/v1/admin/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")
	assert.Len(t, decode[[]NodeResponse](t, w), 1)
}

func TestAdminTestConnection(t *testing.T) {
	f := newFixture(t, 100)
	n := f.node(types.FamilyMarzban, restAdapter)

	w := f.admin(http.MethodPost, "/v1/admin/nodes/"+itoa(n.ID)+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[panel.ConnectionInfo](t, w).OK)

	w = f.admin(http.MethodPost, "/v1/admin/nodes/999/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminTenantLifecycle(t *testing.T) {
	f := newFixture(t, 100)

	w := f.admin(http.MethodPost, "/v1/admin/tenants", CreateTenantRequest{Username: "r2", OpeningBalance: 500, PricePerGB: 3})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tenant := decode[types.Tenant](t, w)
	assert.Equal(t, int64(500), tenant.Balance)

	w = f.admin(http.MethodPost, "/v1/admin/tenants/"+itoa(tenant.ID)+"/credit", CreditRequest{Amount: 250})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode[types.LedgerTransaction](t, w)
	assert.Equal(t, int64(750), tx.BalanceAfter)
	assert.Equal(t, types.ReasonAdminCredit, tx.Reason)

	w = f.admin(http.MethodPost, "/v1/admin/tenants/"+itoa(tenant.ID)+"/credit", CreditRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.admin(http.MethodPost, "/v1/admin/tenants/424242/credit", CreditRequest{Amount: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAllocations(t *testing.T) {
	f := newFixture(t, 1000)
	n := &types.Node{Name: "late", Family: types.FamilyMarzban, BaseURL: "https://late.example", Enabled: true, VisibleInSub: true}
	require.NoError(t, f.store.Repos().Nodes.Create(f.ctx, n))
	f.source.Set(n.ID, restAdapter(n.ID))

	w := f.as(http.MethodPost, "/v1/accounts/quote", map[string]any{"label": "q", "total_gb": 1, "node_ids": []int64{n.ID}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	price := int64(7)
	w = f.admin(http.MethodPut, "/v1/admin/allocations", AllocationRequest{TenantID: f.tenant.ID, NodeID: n.ID, PriceOverride: &price})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.as(http.MethodPost, "/v1/accounts/quote", map[string]any{"label": "q", "total_gb": 1, "node_ids": []int64{n.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(7), decode[billing.Quote](t, w).Total)

	w = f.admin(http.MethodPut, "/v1/admin/allocations", AllocationRequest{TenantID: f.tenant.ID, NodeID: 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminPolicy(t *testing.T) {
	f := newFixture(t, 1000)

	w := f.as(http.MethodGet, "/v1/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[billing.UserPolicy](t, w).Enabled)

	w = f.admin(http.MethodPut, "/v1/admin/tenants/"+itoa(f.tenant.ID)+"/policy", map[string]any{
		"enabled": true, "allow_custom_days": true, "allow_custom_traffic": true,
		"min_days": 1, "max_days": 60, "min_gb": 1, "max_gb": 50,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.as(http.MethodGet, "/v1/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[billing.UserPolicy](t, w)
	assert.True(t, p.Enabled)
	assert.Equal(t, 60, p.MaxDays)

	n := f.node(types.FamilyMarzban, restAdapter)
	w = f.as(http.MethodPost, "/v1/accounts", map[string]any{"label": "big", "total_gb": 500, "days": 30, "node_ids": []int64{n.ID}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}
