package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"panelhub/internal/billing"
	"panelhub/internal/core"
	"panelhub/internal/provisioning"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

// AccountService is the subset of provisioning.Service the account routes
// use.
type AccountService interface {
	Quote(ctx context.Context, tenantID int64, req provisioning.CreateRequest) (billing.Quote, error)
	Create(ctx context.Context, tenantID int64, req provisioning.CreateRequest) (*provisioning.CreateResult, error)
	GetAccount(ctx context.Context, tenantID, accountID int64) (*provisioning.AccountView, error)
	Extend(ctx context.Context, tenantID, accountID int64, days int, preset string) (*provisioning.OpResult, error)
	AddTraffic(ctx context.Context, tenantID, accountID, addGB int64) (*provisioning.OpResult, error)
	ChangeNodes(ctx context.Context, tenantID, accountID int64, req provisioning.ChangeNodesRequest) (*provisioning.OpResult, error)
	Refund(ctx context.Context, tenantID, accountID int64, action types.RefundAction, decreaseGB int64) (*provisioning.OpResult, error)
	SetStatus(ctx context.Context, tenantID, accountID int64, status types.AccountStatus) (*provisioning.OpResult, error)
	ResetUsage(ctx context.Context, tenantID, accountID int64) (*provisioning.OpResult, error)
	Revoke(ctx context.Context, tenantID, accountID int64) (*provisioning.OpResult, error)
}

// LinkLister lists per-node subscription links.
type LinkLister interface {
	Links(ctx context.Context, tenantID, accountID int64, refresh bool) ([]subscription.LinkStatus, error)
	MasterURL(token string) string
}

// ExtendRequest is the body of POST /v1/accounts/{id}/extend.
type ExtendRequest struct {
	Days           int    `json:"days" validate:"min=0"`
	DurationPreset string `json:"duration_preset,omitempty"`
}

// AddTrafficRequest is the body of POST /v1/accounts/{id}/traffic.
type AddTrafficRequest struct {
	AddGB int64 `json:"add_gb" validate:"gt=0"`
}

// RefundRequest is the body of POST /v1/accounts/{id}/refund.
type RefundRequest struct {
	Action     types.RefundAction `json:"action" validate:"required,oneof=decrease delete"`
	DecreaseGB int64              `json:"decrease_gb" validate:"min=0"`
}

// SetStatusRequest is the body of POST /v1/accounts/{id}/status.
type SetStatusRequest struct {
	Status types.AccountStatus `json:"status" validate:"required,oneof=active disabled"`
}

// CreateAccountResponse adds the master link to a create result.
type CreateAccountResponse struct {
	*provisioning.CreateResult
	MasterURL string `json:"master_sub_url"`
}

// LinksResponse is the body of GET /v1/accounts/{id}/links.
type LinksResponse struct {
	AccountID int64                     `json:"user_id"`
	MasterURL string                    `json:"master_sub_url"`
	Links     []subscription.LinkStatus `json:"node_links"`
}

// AccountHandler serves the tenant account routes.
type AccountHandler struct {
	svc       AccountService
	links     LinkLister
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(svc AccountService, links LinkLister, v *core.Validator, l *slog.Logger) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &AccountHandler{svc: svc, links: links, validator: v, logger: l}
}

// RegisterRoutes mounts the account routes under /accounts.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/quote", h.Quote)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/links", h.Links)
			r.Post("/extend", h.Extend)
			r.Post("/traffic", h.AddTraffic)
			r.Post("/nodes", h.ChangeNodes)
			r.Post("/refund", h.Refund)
			r.Post("/status", h.SetStatus)
			r.Post("/reset-usage", h.ResetUsage)
			r.Post("/revoke", h.Revoke)
		})
	})
}

// decode reads and validates a request body.
func (h *AccountHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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

// target resolves the tenant scope and the {id} parameter.
func (h *AccountHandler) target(w http.ResponseWriter, r *http.Request) (tenantID, accountID int64, ok bool) {
	tenantID, err := tenantScope(r)
	if err != nil {
		core.Error(w, r, err)
		return 0, 0, false
	}
	accountID, err = pathID(r, "id")
	if err != nil {
		core.Error(w, r, err)
		return 0, 0, false
	}
	return tenantID, accountID, true
}

// Quote handles POST /v1/accounts/quote. Nothing is charged.
func (h *AccountHandler) Quote(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantScope(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req provisioning.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.svc.Quote(r.Context(), tenantID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, q)
}

// Create handles POST /v1/accounts.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantScope(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var req provisioning.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Create(r.Context(), tenantID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "account created",
		"tenant_id", tenantID, "account_id", res.AccountID, "charged", res.Charged)
	resp := CreateAccountResponse{CreateResult: res}
	if h.links != nil {
		resp.MasterURL = h.links.MasterURL(res.SubToken)
	}
	core.JSON(w, r, http.StatusCreated, resp)
}

// Get handles GET /v1/accounts/{id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetAccount(r.Context(), tenantID, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, view)
}

// Links handles GET /v1/accounts/{id}/links. ?refresh=true re-reads REST
// links from the panels.
func (h *AccountHandler) Links(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"
	links, err := h.links.Links(r.Context(), tenantID, accountID, refresh)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	view, err := h.svc.GetAccount(r.Context(), tenantID, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, LinksResponse{
		AccountID: accountID,
		MasterURL: h.links.MasterURL(view.SubToken),
		Links:     links,
	})
}

// Extend handles POST /v1/accounts/{id}/extend.
func (h *AccountHandler) Extend(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req ExtendRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, "extend", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.Extend(ctx, tenantID, accountID, req.Days, req.DurationPreset)
	})
}

// AddTraffic handles POST /v1/accounts/{id}/traffic.
func (h *AccountHandler) AddTraffic(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req AddTrafficRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, "add_traffic", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.AddTraffic(ctx, tenantID, accountID, req.AddGB)
	})
}

// ChangeNodes handles POST /v1/accounts/{id}/nodes.
func (h *AccountHandler) ChangeNodes(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req provisioning.ChangeNodesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, "change_nodes", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.ChangeNodes(ctx, tenantID, accountID, req)
	})
}

// Refund handles POST /v1/accounts/{id}/refund.
func (h *AccountHandler) Refund(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, "refund", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.Refund(ctx, tenantID, accountID, req.Action, req.DecreaseGB)
	})
}

// SetStatus handles POST /v1/accounts/{id}/status.
func (h *AccountHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req SetStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, "set_status", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.SetStatus(ctx, tenantID, accountID, req.Status)
	})
}

// ResetUsage handles POST /v1/accounts/{id}/reset-usage.
func (h *AccountHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "reset_usage", func(ctx context.Context) (*provisioning.OpResult, error) {
		return h.svc.ResetUsage(ctx, tenantID, accountID)
	})
}

// Revoke handles POST /v1/accounts/{id}/revoke. A partial failure still
// rotates the master token, so the result is returned alongside the error
// details.
func (h *AccountHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	tenantID, accountID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Revoke(r.Context(), tenantID, accountID)
	if err != nil && res != nil {
		h.logger.WarnContext(r.Context(), "revoke partially failed",
			"tenant_id", tenantID, "account_id", accountID, "error", err)
		res.OK = false
		core.JSON(w, r, http.StatusOK, res)
		return
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}

func (h *AccountHandler) respond(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) (*provisioning.OpResult, error)) {
	res, err := fn(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if res.Detail != "" {
		h.logger.WarnContext(r.Context(), "operation finished with remote failures",
			"op", op, "account_id", res.AccountID, "detail", res.Detail)
	}
	core.JSON(w, r, http.StatusOK, res)
}
