package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// TenantRepository provides data access for the resellers table.
type TenantRepository struct {
	db DBTX
}

// NewTenantRepository creates a TenantRepository backed by db (pool or
// transaction).
func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, parent_id, username, balance, price_per_gb,
	bundle_price_per_gb, price_per_day, status, created_at`

func scanTenant(row pgx.Row) (*types.Tenant, error) {
	var t types.Tenant
	err := row.Scan(
		&t.ID,
		&t.ParentID,
		&t.Username,
		&t.Balance,
		&t.PricePerGB,
		&t.BundlePricePerGB,
		&t.PricePerDay,
		&t.Status,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a tenant and fills in its generated id.
func (r *TenantRepository) Create(ctx context.Context, t *types.Tenant) error {
	if t.Status == "" {
		t.Status = types.TenantActive
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO resellers (parent_id, username, balance, price_per_gb,
		 bundle_price_per_gb, price_per_day, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 RETURNING id, created_at`,
		t.ParentID,
		t.Username,
		t.Balance,
		t.PricePerGB,
		t.BundlePricePerGB,
		t.PricePerDay,
		t.Status,
		nilIfZeroTime(t.CreatedAt),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeValidationInvalidInput, "username already taken", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create tenant", err)
	}
	return nil
}

// GetByID returns the tenant or not_found_tenant.
func (r *TenantRepository) GetByID(ctx context.Context, id int64) (*types.Tenant, error) {
	return r.get(ctx, `SELECT `+tenantColumns+` FROM resellers WHERE id = $1`, id)
}

// GetForUpdate locks the tenant row until the enclosing transaction ends.
// All balance mutations go through a row read here first.
func (r *TenantRepository) GetForUpdate(ctx context.Context, id int64) (*types.Tenant, error) {
	return r.get(ctx, `SELECT `+tenantColumns+` FROM resellers WHERE id = $1 FOR UPDATE`, id)
}

func (r *TenantRepository) get(ctx context.Context, sql string, id int64) (*types.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve tenant", err)
	}
	return t, nil
}

// UpdateBalance writes the new balance. The table's CHECK (balance >= 0)
// surfaces as policy_insufficient_balance.
func (r *TenantRepository) UpdateBalance(ctx context.Context, id, balance int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE resellers SET balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		if isCheckViolation(err) {
			return types.NewAppError(types.ErrCodePolicyInsufficientBalance, "balance would become negative", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update balance", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return nil
}
