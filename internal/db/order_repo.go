package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// OrderRepository provides data access for orders.
type OrderRepository struct {
	db DBTX
}

// NewOrderRepository creates an OrderRepository backed by db.
func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts an order and fills in its generated id.
func (r *OrderRepository) Create(ctx context.Context, o *types.Order) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO orders (reseller_id, user_id, type, status, purchased_gb,
		 price_per_gb_snapshot, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 RETURNING id, created_at`,
		o.TenantID,
		o.AccountID,
		o.Type,
		o.Status,
		o.PurchasedGB,
		o.PricePerGBSnapshot,
		o.Amount,
		nilIfZeroTime(o.CreatedAt),
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create order", err)
	}
	return nil
}

// UpdateStatus moves an order to status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status types.OrderStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update order", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrder, "order not found", nil)
	}
	return nil
}

// FirstCreateOrder returns the earliest create order for the account. The
// refund window and refund pricing are anchored on it.
func (r *OrderRepository) FirstCreateOrder(ctx context.Context, accountID int64) (*types.Order, error) {
	var o types.Order
	err := r.db.QueryRow(ctx,
		`SELECT id, reseller_id, user_id, type, status, purchased_gb,
		        price_per_gb_snapshot, amount, created_at
		 FROM orders
		 WHERE user_id = $1 AND type = 'create'
		 ORDER BY id
		 LIMIT 1`,
		accountID,
	).Scan(
		&o.ID,
		&o.TenantID,
		&o.AccountID,
		&o.Type,
		&o.Status,
		&o.PurchasedGB,
		&o.PricePerGBSnapshot,
		&o.Amount,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrder, "create order not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve create order", err)
	}
	return &o, nil
}

// LedgerRepository provides append-only access to ledger_transactions.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a LedgerRepository backed by db.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append inserts one ledger row. Rows are never updated or deleted.
func (r *LedgerRepository) Append(ctx context.Context, t *types.LedgerTransaction) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO ledger_transactions (reseller_id, order_id, amount, reason,
		 balance_after, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		 RETURNING id, occurred_at`,
		t.TenantID,
		t.OrderID,
		t.Amount,
		t.Reason,
		t.BalanceAfter,
		nilIfZeroTime(t.OccurredAt),
	).Scan(&t.ID, &t.OccurredAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger transaction", err)
	}
	return nil
}

// ListForTenant returns the tenant's ledger in insertion order.
func (r *LedgerRepository) ListForTenant(ctx context.Context, tenantID int64) ([]types.LedgerTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, reseller_id, order_id, amount, reason, balance_after, occurred_at
		 FROM ledger_transactions
		 WHERE reseller_id = $1
		 ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger", err)
	}
	defer rows.Close()

	var out []types.LedgerTransaction
	for rows.Next() {
		var t types.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.OrderID, &t.Amount, &t.Reason, &t.BalanceAfter, &t.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger", err)
	}
	return out, nil
}
