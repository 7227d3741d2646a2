// Package billing computes charges and refunds and writes them to the
// tenant ledger.
package billing

import (
	"panelhub/internal/allocation"
	"panelhub/internal/types"
)

// Quote is the price of an operation before it is charged.
type Quote struct {
	Mode         types.PricingMode `json:"pricing_mode"`
	Total        int64             `json:"total_amount"`
	VolumeAmount int64             `json:"volume_amount"`
	TimeAmount   int64             `json:"time_amount"`
	// PerNode is the volume charge per node id; all zero in bundle mode.
	PerNode map[int64]int64 `json:"per_node_amount"`
	// PerGBRate is the rate recorded on the order as the refund snapshot.
	PerGBRate int64 `json:"price_per_gb"`
}

// Calculate prices totalGB across nodes plus days of time.
//
// Per-node mode charges each node at its allocation override or the
// tenant's price. Bundle mode charges once at the bundle price, falling back
// to the tenant's price when the bundle price is unset.
func Calculate(tenant *types.Tenant, nodes []allocation.ResolvedNode, totalGB int64, days int, mode types.PricingMode) Quote {
	q := Quote{
		Mode:    mode,
		PerNode: make(map[int64]int64, len(nodes)),
	}

	if mode == types.PricingBundle {
		rate := tenant.BundlePricePerGB
		if rate == 0 {
			rate = tenant.PricePerGB
		}
		q.PerGBRate = rate
		q.VolumeAmount = rate * totalGB
		for _, n := range nodes {
			q.PerNode[n.Node.ID] = 0
		}
	} else {
		q.Mode = types.PricingPerNode
		q.PerGBRate = tenant.PricePerGB
		for _, n := range nodes {
			amount := n.Price(tenant.PricePerGB) * totalGB
			q.PerNode[n.Node.ID] = amount
			q.VolumeAmount += amount
		}
	}

	q.TimeAmount = TimeAmount(tenant, days)
	q.Total = q.VolumeAmount + q.TimeAmount
	return q
}

// TimeAmount is the optional per-day charge. Unlimited (days <= 0) and
// tenants without a day price are free.
func TimeAmount(tenant *types.Tenant, days int) int64 {
	if tenant.PricePerDay <= 0 || days <= 0 {
		return 0
	}
	return tenant.PricePerDay * int64(days)
}

// RequireFunds rejects the charge when the balance cannot cover it.
func RequireFunds(tenant *types.Tenant, amount int64) error {
	if tenant.Balance < amount {
		return types.NewAppErrorWithDetails(types.ErrCodePolicyInsufficientBalance, "insufficient balance", nil,
			map[string]any{"balance": tenant.Balance, "required": amount})
	}
	return nil
}
