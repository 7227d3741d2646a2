package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"panelhub/internal/types"
)

// Identity headers set by the upstream gateway.
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantRole = "X-Tenant-Role"
	HeaderGatewayKey = "X-Gateway-Key"
)

// GatewayAuth trusts the identity headers only from a caller holding the
// shared gateway key, then stores the Principal in the request context.
//
// Failures:
//   - auth_gateway_key_invalid: missing or wrong X-Gateway-Key.
//   - auth_identity_missing: missing or malformed X-Tenant-ID or role.
//
// With no key configured (local development) the key check is skipped.
func (s *Server) GatewayAuth(next http.Handler) http.Handler {
	var key string
	if s.Config != nil {
		key = s.Config.Security.GatewayKey.Unmask()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" {
			got := r.Header.Get(HeaderGatewayKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				s.Logger.Warn("gateway key rejected",
					slog.String("method", r.Method),
					slog.String("remote_addr", extractClientIP(r)),
				)
				s.writeAuthError(w, r, types.ErrCodeAuthGatewayKey, "invalid gateway key")
				return
			}
		}

		p, ok := principalFromHeaders(r)
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthMissingIdentity, "tenant identity headers are required")
			return
		}

		ctx := types.WithPrincipal(r.Context(), p)
		logger := types.LoggerFromContext(ctx, s.Logger).With("tenant_id", p.TenantID)
		ctx = types.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromHeaders(r *http.Request) (types.Principal, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTenantID)), 10, 64)
	if err != nil || id <= 0 {
		return types.Principal{}, false
	}
	role := types.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderTenantRole))))
	switch role {
	case "":
		role = types.RoleReseller
	case types.RoleReseller, types.RoleAdmin:
	default:
		return types.Principal{}, false
	}
	return types.Principal{TenantID: id, Role: role}, true
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireAdmin rejects principals without the admin role.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := types.GetPrincipal(r.Context())
		if !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthMissingIdentity, "authentication required")
			return
		}
		if !p.IsAdmin() {
			Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "admin role required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
