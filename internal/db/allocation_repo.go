package db

import (
	"context"

	"panelhub/internal/types"
)

// AllocationRepository provides data access for node_allocations.
type AllocationRepository struct {
	db DBTX
}

// NewAllocationRepository creates an AllocationRepository backed by db.
func NewAllocationRepository(db DBTX) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// Upsert inserts or updates the (tenant, node) allocation. A new default
// clears every other default for the tenant first so the partial unique
// index never trips. Callers should run this inside a transaction.
func (r *AllocationRepository) Upsert(ctx context.Context, a *types.NodeAllocation) error {
	if a.DefaultForTenant {
		if _, err := r.db.Exec(ctx,
			`UPDATE node_allocations SET default_for_reseller = FALSE
			 WHERE reseller_id = $1 AND node_id <> $2 AND default_for_reseller`,
			a.TenantID, a.NodeID,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to clear default allocations", err)
		}
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO node_allocations (reseller_id, node_id, enabled,
		 default_for_reseller, price_per_gb_override)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (reseller_id, node_id) DO UPDATE
		   SET enabled = EXCLUDED.enabled,
		       default_for_reseller = EXCLUDED.default_for_reseller,
		       price_per_gb_override = EXCLUDED.price_per_gb_override
		 RETURNING id, created_at`,
		a.TenantID,
		a.NodeID,
		a.Enabled,
		a.DefaultForTenant,
		a.PriceOverride,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictAllocation, "another default allocation exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert allocation", err)
	}
	return nil
}

// ListForTenant returns every allocation of the tenant joined with its node,
// ordered by node id.
func (r *AllocationRepository) ListForTenant(ctx context.Context, tenantID int64) ([]types.AllocatedNode, error) {
	rows, err := r.db.Query(ctx,
		`SELECT a.id, a.reseller_id, a.node_id, a.enabled, a.default_for_reseller,
		        a.price_per_gb_override, a.created_at, `+nodeColumns+`
		 FROM node_allocations a
		 JOIN nodes n ON n.id = a.node_id
		 WHERE a.reseller_id = $1
		 ORDER BY a.node_id`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list allocations", err)
	}
	defer rows.Close()

	var out []types.AllocatedNode
	for rows.Next() {
		var an types.AllocatedNode
		a, n := &an.Allocation, &an.Node
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.NodeID, &a.Enabled, &a.DefaultForTenant,
			&a.PriceOverride, &a.CreatedAt,
			&n.ID, &n.Name, &n.Family, &n.BaseURL, &n.Credentials, &n.Tags,
			&n.Enabled, &n.VisibleInSub, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan allocation", err)
		}
		out = append(out, an)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating allocations", err)
	}
	return out, nil
}
