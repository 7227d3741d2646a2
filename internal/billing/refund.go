package billing

import (
	"time"

	"panelhub/internal/types"
)

// DefaultRefundWindow is how long after creation volume may be refunded.
const DefaultRefundWindow = 10 * 24 * time.Hour

// Refund is the outcome of a refund calculation.
type Refund struct {
	Action   types.RefundAction
	GB       int64
	PerGB    int64
	Amount   int64
	InWindow bool
}

// UsedGB is the whole gigabytes consumed, rounded down.
func UsedGB(a *types.Account) int64 {
	if a.UsedBytes <= 0 {
		return 0
	}
	return a.UsedBytes / types.BytesPerGB
}

// RefundableGB is the unused volume, never negative.
func RefundableGB(a *types.Account) int64 {
	return max(0, a.TotalGB-UsedGB(a))
}

// RefundPlan decides how much of an account's volume is refunded.
//
// Decrease is only allowed inside the window and with something left to
// refund; it returns min(decreaseGB, refundable). Delete always proceeds and
// refunds the remaining volume inside the window, nothing outside it.
// perGB is the creation order's snapshot price.
func RefundPlan(a *types.Account, action types.RefundAction, decreaseGB, perGB int64, window time.Duration, now time.Time) (Refund, error) {
	if window <= 0 {
		window = DefaultRefundWindow
	}
	inWindow := !a.CreatedAt.IsZero() && now.Sub(a.CreatedAt) <= window
	refundable := RefundableGB(a)
	r := Refund{Action: action, PerGB: perGB, InWindow: inWindow}

	switch action {
	case types.RefundDelete:
		if inWindow {
			r.GB = refundable
		}
	case types.RefundDecrease:
		if decreaseGB <= 0 {
			return Refund{}, types.NewAppError(types.ErrCodeValidationInvalidInput, "decrease_gb must be positive", nil)
		}
		if !inWindow {
			return Refund{}, types.NewAppError(types.ErrCodePolicyRefundWindowExpired, "refund window has expired", nil)
		}
		if refundable == 0 {
			return Refund{}, types.NewAppError(types.ErrCodePolicyNothingToRefund, "no unused volume to refund", nil)
		}
		r.GB = min(decreaseGB, refundable)
	default:
		return Refund{}, types.NewAppError(types.ErrCodeValidationInvalidInput, "unknown refund action "+string(action), nil)
	}

	r.Amount = r.GB * perGB
	return r, nil
}
