package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// AccountRepository provides data access for the users table, which holds
// end-user accounts.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates an AccountRepository backed by db.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, owner_reseller_id, label, total_gb, used_bytes, expire_at,
	status, node_selection_mode, node_group, master_sub_token, metadata,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.Label,
		&a.TotalGB,
		&a.UsedBytes,
		&a.ExpireAt,
		&a.Status,
		&a.SelectionMode,
		&a.NodeGroup,
		&a.SubToken,
		&a.Metadata,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) list(ctx context.Context, sql string, args ...any) ([]types.Account, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list accounts", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating accounts", err)
	}
	return out, nil
}

func (r *AccountRepository) get(ctx context.Context, sql string, args ...any) (*types.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return a, nil
}

// Create inserts an account and fills in its generated id and timestamps.
// A token collision is reported as conflict_concurrent_modification so the
// caller can retry with a fresh token.
func (r *AccountRepository) Create(ctx context.Context, a *types.Account) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (owner_reseller_id, label, total_gb, used_bytes, expire_at,
		 status, node_selection_mode, node_group, master_sub_token, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		a.TenantID,
		a.Label,
		a.TotalGB,
		a.UsedBytes,
		a.ExpireAt,
		a.Status,
		a.SelectionMode,
		a.NodeGroup,
		a.SubToken,
		a.Metadata,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription token collision", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return nil
}

// GetByID returns the tenant's account. Accounts of other tenants are
// reported as not found.
func (r *AccountRepository) GetByID(ctx context.Context, tenantID, id int64) (*types.Account, error) {
	return r.get(ctx,
		`SELECT `+accountColumns+` FROM users WHERE id = $1 AND owner_reseller_id = $2`,
		id, tenantID)
}

// GetForUpdate is GetByID with a row lock.
func (r *AccountRepository) GetForUpdate(ctx context.Context, tenantID, id int64) (*types.Account, error) {
	return r.get(ctx,
		`SELECT `+accountColumns+` FROM users WHERE id = $1 AND owner_reseller_id = $2 FOR UPDATE`,
		id, tenantID)
}

// GetBySubToken resolves a master subscription token.
func (r *AccountRepository) GetBySubToken(ctx context.Context, token string) (*types.Account, error) {
	return r.get(ctx, `SELECT `+accountColumns+` FROM users WHERE master_sub_token = $1`, token)
}

// Update writes every mutable column.
func (r *AccountRepository) Update(ctx context.Context, a *types.Account) error {
	err := r.db.QueryRow(ctx,
		`UPDATE users
		 SET label = $2, total_gb = $3, used_bytes = $4, expire_at = $5, status = $6,
		     node_selection_mode = $7, node_group = $8, master_sub_token = $9,
		     metadata = $10, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		a.ID,
		a.Label,
		a.TotalGB,
		a.UsedBytes,
		a.ExpireAt,
		a.Status,
		a.SelectionMode,
		a.NodeGroup,
		a.SubToken,
		a.Metadata,
	).Scan(&a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account", err)
	}
	return nil
}

// SetUsage overwrites the aggregate used_bytes.
func (r *AccountRepository) SetUsage(ctx context.Context, id, usedBytes int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE users SET used_bytes = $2, updated_at = NOW() WHERE id = $1`,
		id, usedBytes,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account usage", err)
	}
	return nil
}

// ListActiveAfter is the keyset page used by usage sync.
func (r *AccountRepository) ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]types.Account, error) {
	return r.list(ctx,
		`SELECT `+accountColumns+` FROM users
		 WHERE status = 'active' AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit)
}

// ListExpiredAfter is the keyset page used by the expiry sweep.
func (r *AccountRepository) ListExpiredAfter(ctx context.Context, now time.Time, afterID int64, limit int) ([]types.Account, error) {
	return r.list(ctx,
		`SELECT `+accountColumns+` FROM users
		 WHERE status = 'active' AND expire_at <= $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		now, afterID, limit)
}

// DisableIfActive flips active accounts to disabled in one statement. The
// status guard makes the transition safe against concurrent sweeps and
// operator actions.
func (r *AccountRepository) DisableIfActive(ctx context.Context, ids []int64, reason string) ([]int64, error) {
	return r.disable(ctx, ids, reason, "")
}

// DisableExhausted disables the active accounts among ids whose stored usage
// has reached a finite quota. The quota is checked against the row as it is
// at UPDATE time, so a top-up committed after the caller read the row wins.
func (r *AccountRepository) DisableExhausted(ctx context.Context, ids []int64) ([]int64, error) {
	return r.disable(ctx, ids, types.DisabledVolume,
		` AND total_gb > 0 AND used_bytes >= total_gb * `+bytesPerGBLiteral)
}

// DisableExpired disables the active accounts among ids whose expiry is at
// or before now, re-checked at UPDATE time.
func (r *AccountRepository) DisableExpired(ctx context.Context, ids []int64, now time.Time) ([]int64, error) {
	return r.disable(ctx, ids, types.DisabledExpired, ` AND expire_at <= $3`, now)
}

const bytesPerGBLiteral = "1073741824::bigint"

func (r *AccountRepository) disable(ctx context.Context, ids []int64, reason, guard string, extra ...any) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{ids, reason}, extra...)
	rows, err := r.db.Query(ctx,
		`UPDATE users
		 SET status = 'disabled',
		     metadata = metadata || jsonb_build_object('disabled_reason', $2::text),
		     updated_at = NOW()
		 WHERE id = ANY($1) AND status = 'active'`+guard+`
		 RETURNING id`,
		args...,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to disable accounts", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan disabled id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating disabled ids", err)
	}
	return out, nil
}
