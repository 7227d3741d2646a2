package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFoundAccount, "account not found", nil)
	if got, want := appErr.Error(), "not_found_account: account not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := NewAppError(ErrCodeUpstreamPanelUnavailable, "panel call failed", errors.New("dial tcp: timeout"))
	if got, want := wrapped.Error(), "upstream_panel_unavailable: panel call failed: dial tcp: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodePolicyInsufficientBalance, "insufficient balance", nil)
	wrapped := fmt.Errorf("create account: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should extract AppError from a wrapped chain")
	}
	if target.Code != ErrCodePolicyInsufficientBalance {
		t.Errorf("Code = %q", target.Code)
	}
	if CodeOf(wrapped) != ErrCodePolicyInsufficientBalance {
		t.Errorf("CodeOf = %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf should be empty for non-AppError")
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidInput, http.StatusBadRequest},
		{ErrCodeAuthMissingIdentity, http.StatusUnauthorized},
		{ErrCodePermissionRole, http.StatusForbidden},
		{ErrCodeNotFoundTenant, http.StatusNotFound},
		{ErrCodeConflictAllocation, http.StatusConflict},
		{ErrCodePolicyInsufficientBalance, http.StatusPaymentRequired},
		{ErrCodePolicyRefundWindowExpired, http.StatusUnprocessableEntity},
		{ErrCodeUpstreamPanelRejected, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestWithDetailsDoesNotMutate(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodePolicyLimitExceeded, "too much", nil, map[string]any{"max": 100})
	extended := base.WithDetails(map[string]any{"requested": 200})

	if len(base.Details) != 1 {
		t.Errorf("original details mutated: %v", base.Details)
	}
	if extended.Details["max"] != 100 || extended.Details["requested"] != 200 {
		t.Errorf("merged details = %v", extended.Details)
	}
}

func TestIsNotFoundAndIsUpstream(t *testing.T) {
	if !IsNotFound(NewAppError(ErrCodeNotFoundNode, "x", nil)) {
		t.Error("IsNotFound should be true")
	}
	if IsNotFound(NewAppError(ErrCodeInternalDB, "x", nil)) {
		t.Error("IsNotFound should be false")
	}
	if !IsUpstream(fmt.Errorf("wrap: %w", NewAppError(ErrCodeUpstreamPanelAuth, "x", nil))) {
		t.Error("IsUpstream should see through wrapping")
	}
}
