package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidInput      ErrorCode = "validation_invalid_input"
	ErrCodeValidationSelectionConflict ErrorCode = "validation_selection_conflict"
	ErrCodeValidationInvalidDuration   ErrorCode = "validation_invalid_duration"
	ErrCodeValidationInvalidFamily     ErrorCode = "validation_invalid_panel_family"

	// Auth (401)
	ErrCodeAuthMissingIdentity ErrorCode = "auth_identity_missing"
	ErrCodeAuthGatewayKey      ErrorCode = "auth_gateway_key_invalid"

	// Permission (403)
	ErrCodePermissionRole ErrorCode = "permission_role_insufficient"

	// Not Found (404)
	ErrCodeNotFoundTenant     ErrorCode = "not_found_tenant"
	ErrCodeNotFoundNode       ErrorCode = "not_found_node"
	ErrCodeNotFoundAccount    ErrorCode = "not_found_account"
	ErrCodeNotFoundSubAccount ErrorCode = "not_found_subaccount"
	ErrCodeNotFoundOrder      ErrorCode = "not_found_order"
	ErrCodeNotFoundSetting    ErrorCode = "not_found_setting"

	// Conflict (409)
	ErrCodeConflictAllocation ErrorCode = "conflict_allocation_exists"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Policy (402/422)
	ErrCodePolicyInsufficientBalance ErrorCode = "policy_insufficient_balance"
	ErrCodePolicyNoEligibleNodes     ErrorCode = "policy_no_eligible_nodes"
	ErrCodePolicyRefundWindowExpired ErrorCode = "policy_refund_window_expired"
	ErrCodePolicyNothingToRefund     ErrorCode = "policy_nothing_to_refund"
	ErrCodePolicyInvalidTransition   ErrorCode = "policy_invalid_transition"
	ErrCodePolicyTenantReadOnly      ErrorCode = "policy_tenant_read_only"
	ErrCodePolicyLimitExceeded       ErrorCode = "policy_limit_exceeded"
	ErrCodePolicyManualModeOnly      ErrorCode = "policy_manual_mode_only"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB                ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected        ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamPanelUnavailable  ErrorCode = "upstream_panel_unavailable"
	ErrCodeUpstreamPanelAuth         ErrorCode = "upstream_panel_auth"
	ErrCodeUpstreamPanelRejected     ErrorCode = "upstream_panel_rejected"
	ErrCodeUpstreamRateLimited       ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamSubscriptionFetch ErrorCode = "upstream_subscription_fetch"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePolicyInsufficientBalance):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "policy_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the platform.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or the
// empty string when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound reports whether err carries a not_found_ code.
func IsNotFound(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "not_found_")
}

// IsUpstream reports whether err originated from a remote panel or fetch.
func IsUpstream(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "upstream_")
}
