package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"panelhub/internal/billing"
	"panelhub/internal/core"
	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// AdminService is the subset of provisioning.Service the admin routes use.
type AdminService interface {
	CreateTenant(ctx context.Context, t *types.Tenant) error
	Credit(ctx context.Context, tenantID, amount int64, reason string) (*types.LedgerTransaction, error)
	CreateNode(ctx context.Context, n *types.Node) error
	ListNodes(ctx context.Context) ([]types.Node, error)
	TestConnection(ctx context.Context, nodeID int64) (panel.ConnectionInfo, error)
	UpsertAllocation(ctx context.Context, a *types.NodeAllocation) error
	UserPolicy(ctx context.Context, tenantID int64) (billing.UserPolicy, error)
	SetUserPolicy(ctx context.Context, tenantID int64, p billing.UserPolicy) (billing.UserPolicy, error)
}

// CreateTenantRequest is the body of POST /v1/admin/tenants.
type CreateTenantRequest struct {
	Username         string `json:"username" validate:"required,max=64"`
	ParentID         *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
	OpeningBalance   int64  `json:"balance" validate:"min=0"`
	PricePerGB       int64  `json:"price_per_gb" validate:"min=0"`
	BundlePricePerGB int64  `json:"bundle_price_per_gb" validate:"min=0"`
	PricePerDay      int64  `json:"price_per_day" validate:"min=0"`
}

// CreditRequest is the body of POST /v1/admin/tenants/{id}/credit.
type CreditRequest struct {
	Amount int64  `json:"amount" validate:"gt=0"`
	Reason string `json:"reason,omitempty" validate:"max=64"`
}

// CreateNodeRequest is the body of POST /v1/admin/nodes.
type CreateNodeRequest struct {
	Name         string            `json:"name" validate:"required,max=128"`
	Family       types.PanelFamily `json:"panel_type" validate:"required"`
	BaseURL      string            `json:"base_url" validate:"required,url"`
	Credentials  types.Credentials `json:"credentials"`
	Tags         []string          `json:"tags,omitempty" validate:"omitempty,dive,required,max=64"`
	Enabled      *bool             `json:"is_enabled,omitempty"`
	VisibleInSub *bool             `json:"is_visible_in_sub,omitempty"`
}

// AllocationRequest is the body of PUT /v1/admin/allocations.
type AllocationRequest struct {
	TenantID         int64  `json:"reseller_id" validate:"gt=0"`
	NodeID           int64  `json:"node_id" validate:"gt=0"`
	Enabled          *bool  `json:"enabled,omitempty"`
	DefaultForTenant bool   `json:"default_for_reseller"`
	PriceOverride    *int64 `json:"price_per_gb_override,omitempty"`
}

// NodeResponse is a node without its credentials.
type NodeResponse struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Family         types.PanelFamily `json:"panel_type"`
	BaseURL        string            `json:"base_url"`
	Tags           []string          `json:"tags"`
	Enabled        bool              `json:"is_enabled"`
	VisibleInSub   bool              `json:"is_visible_in_sub"`
	CredentialKeys []string          `json:"credential_keys"`
	CreatedAt      time.Time         `json:"created_at"`
}

func toNodeResponse(n *types.Node) NodeResponse {
	keys := make([]string, 0, len(n.Credentials))
	for k := range n.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := []string(n.Tags)
	if tags == nil {
		tags = []string{}
	}
	return NodeResponse{
		ID:             n.ID,
		Name:           n.Name,
		Family:         n.Family,
		BaseURL:        n.BaseURL,
		Tags:           tags,
		Enabled:        n.Enabled,
		VisibleInSub:   n.VisibleInSub,
		CredentialKeys: keys,
		CreatedAt:      n.CreatedAt,
	}
}

// AdminHandler serves node, allocation, tenant and policy administration.
type AdminHandler struct {
	svc       AdminService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc AdminService, v *core.Validator, l *slog.Logger) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &AdminHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts /admin behind guard, plus the tenant's own policy
// read at /policy.
func (h *AdminHandler) RegisterRoutes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Get("/policy", h.OwnPolicy)
	r.Route("/admin", func(r chi.Router) {
		r.Use(guard)
		r.Post("/tenants", h.CreateTenant)
		r.Post("/tenants/{id}/credit", h.Credit)
		r.Get("/tenants/{id}/policy", h.GetPolicy)
		r.Put("/tenants/{id}/policy", h.PutPolicy)
		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.PutPolicy)
		r.Get("/nodes", h.ListNodes)
		r.Post("/nodes", h.CreateNode)
		r.Post("/nodes/{id}/test", h.TestConnection)
		r.Put("/allocations", h.UpsertAllocation)
	})
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// CreateTenant handles POST /v1/admin/tenants.
func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := &types.Tenant{
		ParentID:         req.ParentID,
		Username:         req.Username,
		Balance:          req.OpeningBalance,
		PricePerGB:       req.PricePerGB,
		BundlePricePerGB: req.BundlePricePerGB,
		PricePerDay:      req.PricePerDay,
	}
	if err := h.svc.CreateTenant(r.Context(), t); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "tenant created", "tenant_id", t.ID, "username", t.Username)
	core.JSON(w, r, http.StatusCreated, t)
}

// Credit handles POST /v1/admin/tenants/{id}/credit.
func (h *AdminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathID(r, "id")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.svc.Credit(r.Context(), tenantID, req.Amount, req.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, tx)
}

// policyTenant is the {id} parameter, or 0 (global) on /admin/policy.
func policyTenant(r *http.Request) (int64, error) {
	if chi.URLParam(r, "id") == "" {
		return 0, nil
	}
	return pathID(r, "id")
}

// GetPolicy handles GET /v1/admin/policy and /v1/admin/tenants/{id}/policy.
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := policyTenant(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	p, err := h.svc.UserPolicy(r.Context(), tenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, p)
}

// PutPolicy stores a tenant or global create policy.
func (h *AdminHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := policyTenant(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var p billing.UserPolicy
	if err := core.DecodeJSON(w, r, &p); err != nil {
		core.Error(w, r, err)
		return
	}
	saved, err := h.svc.SetUserPolicy(r.Context(), tenantID, p)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, saved)
}

// OwnPolicy handles GET /v1/policy for the calling tenant.
func (h *AdminHandler) OwnPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantScope(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	p, err := h.svc.UserPolicy(r.Context(), tenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, p)
}

// ListNodes handles GET /v1/admin/nodes.
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.ListNodes(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out := make([]NodeResponse, 0, len(nodes))
	for i := range nodes {
		out = append(out, toNodeResponse(&nodes[i]))
	}
	core.JSON(w, r, http.StatusOK, out)
}

// CreateNode handles POST /v1/admin/nodes.
func (h *AdminHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	n := &types.Node{
		Name:         req.Name,
		Family:       req.Family,
		BaseURL:      req.BaseURL,
		Credentials:  req.Credentials,
		Tags:         types.StringList(req.Tags),
		Enabled:      req.Enabled == nil || *req.Enabled,
		VisibleInSub: req.VisibleInSub == nil || *req.VisibleInSub,
	}
	if n.Credentials == nil {
		n.Credentials = types.Credentials{}
	}
	if err := h.svc.CreateNode(r.Context(), n); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "node created", "node_id", n.ID, "panel_type", n.Family)
	core.JSON(w, r, http.StatusCreated, toNodeResponse(n))
}

// TestConnection handles POST /v1/admin/nodes/{id}/test. An unreachable
// panel is reported in the body, not as an error status.
func (h *AdminHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathID(r, "id")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	info, err := h.svc.TestConnection(r.Context(), nodeID)
	if err != nil {
		if types.IsNotFound(err) {
			core.Error(w, r, err)
			return
		}
		info = panel.ConnectionInfo{OK: false, Detail: err.Error()}
	}
	core.JSON(w, r, http.StatusOK, info)
}

// UpsertAllocation handles PUT /v1/admin/allocations.
func (h *AdminHandler) UpsertAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	a := &types.NodeAllocation{
		TenantID:         req.TenantID,
		NodeID:           req.NodeID,
		Enabled:          req.Enabled == nil || *req.Enabled,
		DefaultForTenant: req.DefaultForTenant,
		PriceOverride:    req.PriceOverride,
	}
	if err := h.svc.UpsertAllocation(r.Context(), a); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, a)
}
