// Package allocation decides which nodes a tenant may provision an account
// on for a given node selection.
package allocation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"panelhub/internal/types"
)

// Selection is a requested node set. NodeIDs and Group are mutually
// exclusive; when both are empty the tenant's default allocation applies.
type Selection struct {
	NodeIDs []int64
	Group   string
}

// Mode returns the selection mode an account created with s is stored with.
func (s Selection) Mode() types.SelectionMode {
	if strings.TrimSpace(s.Group) != "" {
		return types.SelectionGroup
	}
	return types.SelectionManual
}

// Validate rejects selections that name both ids and a group.
func (s Selection) Validate() error {
	if len(s.NodeIDs) > 0 && strings.TrimSpace(s.Group) != "" {
		return types.NewAppError(types.ErrCodeValidationSelectionConflict,
			"node_ids and node_group are mutually exclusive", nil)
	}
	return nil
}

// ResolvedNode is an eligible node with the allocation that grants it.
type ResolvedNode struct {
	Node       types.Node
	Allocation types.NodeAllocation
}

// Price returns the per-GB price for this node: the allocation override
// when set, otherwise fallback.
func (r ResolvedNode) Price(fallback int64) int64 {
	if r.Allocation.PriceOverride != nil {
		return *r.Allocation.PriceOverride
	}
	return fallback
}

// Resolver reads allocations through the repository it was built with, so
// a resolver built from transaction-bound repositories sees that
// transaction's writes.
type Resolver struct {
	allocations types.AllocationRepository
}

// NewResolver creates a Resolver.
func NewResolver(allocations types.AllocationRepository) *Resolver {
	return &Resolver{allocations: allocations}
}

// Resolve returns the nodes that are globally enabled, allocated to the
// tenant with an enabled allocation, and match the selection. The result is
// sorted by node id with duplicates collapsed. An empty result is not an
// error; callers decide whether that is fatal.
func (r *Resolver) Resolve(ctx context.Context, tenantID int64, sel Selection) ([]ResolvedNode, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	allocated, err := r.allocations.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list allocations for tenant %d: %w", tenantID, err)
	}

	group := strings.TrimSpace(sel.Group)
	wanted := make(map[int64]bool, len(sel.NodeIDs))
	for _, id := range sel.NodeIDs {
		wanted[id] = true
	}

	seen := make(map[int64]bool, len(allocated))
	out := make([]ResolvedNode, 0, len(allocated))
	for _, an := range allocated {
		if !an.Node.Enabled || !an.Allocation.Enabled || seen[an.Node.ID] {
			continue
		}
		switch {
		case len(wanted) > 0:
			if !wanted[an.Node.ID] {
				continue
			}
		case group != "":
			if !an.Node.HasTag(group) {
				continue
			}
		default:
			if !an.Allocation.DefaultForTenant {
				continue
			}
		}
		seen[an.Node.ID] = true
		out = append(out, ResolvedNode{Node: an.Node, Allocation: an.Allocation})
	}

	slices.SortFunc(out, func(a, b ResolvedNode) int {
		switch {
		case a.Node.ID < b.Node.ID:
			return -1
		case a.Node.ID > b.Node.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// NodeIDs returns the ids of nodes, in order.
func NodeIDs(nodes []ResolvedNode) []int64 {
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Node.ID
	}
	return ids
}

// RequireAny converts an empty resolution into policy_no_eligible_nodes.
func RequireAny(nodes []ResolvedNode) error {
	if len(nodes) == 0 {
		return types.NewAppError(types.ErrCodePolicyNoEligibleNodes, "no eligible nodes for this selection", nil)
	}
	return nil
}
