// Package handlers adapts the provisioning service and the subscription
// aggregator to HTTP. Handlers depend on small local interfaces so tests
// can substitute in-memory implementations.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"panelhub/internal/types"
)

// pathID parses a positive int64 URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			name+" must be a positive integer", nil, map[string]any{name: raw})
	}
	return id, nil
}

// tenantScope returns the tenant a request acts for. Admins may act for
// another tenant through ?tenant_id=; resellers always act for themselves.
func tenantScope(r *http.Request) (int64, error) {
	p, ok := types.GetPrincipal(r.Context())
	if !ok {
		return 0, types.NewAppError(types.ErrCodeAuthMissingIdentity, "authentication required", nil)
	}
	raw := r.URL.Query().Get("tenant_id")
	if raw == "" {
		return p.TenantID, nil
	}
	if !p.IsAdmin() {
		return 0, types.NewAppError(types.ErrCodePermissionRole, "tenant_id is reserved for admins", nil)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidInput, "tenant_id must be a positive integer", nil)
	}
	return id, nil
}
