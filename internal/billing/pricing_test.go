package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"panelhub/internal/allocation"
	"panelhub/internal/types"
)

func resolved(nodeID int64, override *int64) allocation.ResolvedNode {
	return allocation.ResolvedNode{
		Node:       types.Node{ID: nodeID, Enabled: true},
		Allocation: types.NodeAllocation{NodeID: nodeID, Enabled: true, PriceOverride: override},
	}
}

func ptr(v int64) *int64 { return &v }

func TestCalculate_PerNodeUsesOverrides(t *testing.T) {
	tenant := &types.Tenant{PricePerGB: 100}
	nodes := []allocation.ResolvedNode{resolved(1, nil), resolved(2, ptr(150))}

	q := Calculate(tenant, nodes, 10, 30, types.PricingPerNode)

	assert.Equal(t, map[int64]int64{1: 1000, 2: 1500}, q.PerNode)
	assert.Equal(t, int64(2500), q.VolumeAmount)
	assert.Equal(t, int64(0), q.TimeAmount)
	assert.Equal(t, int64(2500), q.Total)
	assert.Equal(t, int64(100), q.PerGBRate)
	assert.Equal(t, types.PricingPerNode, q.Mode)
}

func TestCalculate_BundleChargesOnce(t *testing.T) {
	nodes := []allocation.ResolvedNode{resolved(1, ptr(999)), resolved(2, nil), resolved(3, nil)}

	q := Calculate(&types.Tenant{PricePerGB: 100, BundlePricePerGB: 250}, nodes, 4, 0, types.PricingBundle)
	assert.Equal(t, int64(1000), q.Total)
	assert.Equal(t, map[int64]int64{1: 0, 2: 0, 3: 0}, q.PerNode)
	assert.Equal(t, int64(250), q.PerGBRate)

	// Without a bundle price the regular price applies.
	q = Calculate(&types.Tenant{PricePerGB: 100}, nodes, 4, 0, types.PricingBundle)
	assert.Equal(t, int64(400), q.Total)
}

func TestCalculate_TimeAmount(t *testing.T) {
	tenant := &types.Tenant{PricePerGB: 10, PricePerDay: 5}
	nodes := []allocation.ResolvedNode{resolved(1, nil)}

	q := Calculate(tenant, nodes, 1, 30, types.PricingPerNode)
	assert.Equal(t, int64(150), q.TimeAmount)
	assert.Equal(t, int64(160), q.Total)

	q = Calculate(tenant, nodes, 1, 0, types.PricingPerNode)
	assert.Zero(t, q.TimeAmount, "unlimited duration carries no time charge")
}

func TestCalculate_UnknownModeIsPerNode(t *testing.T) {
	q := Calculate(&types.Tenant{PricePerGB: 7}, []allocation.ResolvedNode{resolved(1, nil)}, 2, 0, "")
	assert.Equal(t, types.PricingPerNode, q.Mode)
	assert.Equal(t, int64(14), q.Total)
}

func TestRequireFunds(t *testing.T) {
	assert.NoError(t, RequireFunds(&types.Tenant{Balance: 100}, 100))

	err := RequireFunds(&types.Tenant{Balance: 99}, 100)
	assert.Equal(t, types.ErrCodePolicyInsufficientBalance, types.CodeOf(err))
}
