package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// SubAccountRepository provides data access for subaccounts.
type SubAccountRepository struct {
	db DBTX
}

// NewSubAccountRepository creates a SubAccountRepository backed by db.
func NewSubAccountRepository(db DBTX) *SubAccountRepository {
	return &SubAccountRepository{db: db}
}

const subAccountColumns = `id, user_id, node_id, remote_identifier, panel_sub_url_cached,
	panel_sub_url_cached_at, used_bytes, last_sync_at, created_at`

func scanSubAccount(row pgx.Row) (*types.SubAccount, error) {
	var s types.SubAccount
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.NodeID,
		&s.RemoteID,
		&s.SubURL,
		&s.SubURLCachedAt,
		&s.UsedBytes,
		&s.LastSyncAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a subaccount. A second row for the same (account, node)
// is a conflict.
func (r *SubAccountRepository) Create(ctx context.Context, s *types.SubAccount) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO subaccounts (user_id, node_id, remote_identifier,
		 panel_sub_url_cached, panel_sub_url_cached_at, used_bytes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		s.AccountID,
		s.NodeID,
		s.RemoteID,
		s.SubURL,
		s.SubURLCachedAt,
		s.UsedBytes,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "account already provisioned on node", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subaccount", err)
	}
	return nil
}

// ListByAccount returns the account's subaccounts ordered by node id.
func (r *SubAccountRepository) ListByAccount(ctx context.Context, accountID int64) ([]types.SubAccount, error) {
	return r.list(ctx,
		`SELECT `+subAccountColumns+` FROM subaccounts WHERE user_id = $1 ORDER BY node_id`,
		accountID)
}

// ListByAccounts loads subaccounts for a batch of accounts in one round trip.
func (r *SubAccountRepository) ListByAccounts(ctx context.Context, accountIDs []int64) ([]types.SubAccount, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx,
		`SELECT `+subAccountColumns+` FROM subaccounts WHERE user_id = ANY($1) ORDER BY user_id, node_id`,
		accountIDs)
}

func (r *SubAccountRepository) list(ctx context.Context, sql string, args ...any) ([]types.SubAccount, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subaccounts", err)
	}
	defer rows.Close()

	var out []types.SubAccount
	for rows.Next() {
		s, err := scanSubAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subaccount", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subaccounts", err)
	}
	return out, nil
}

// UpdateRemote records the remote identifier and cached panel link.
func (r *SubAccountRepository) UpdateRemote(ctx context.Context, id int64, remoteID, subURL string, cachedAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subaccounts
		 SET remote_identifier = $2, panel_sub_url_cached = $3, panel_sub_url_cached_at = $4
		 WHERE id = $1`,
		id, remoteID, subURL, cachedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subaccount", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubAccount, "subaccount not found", nil)
	}
	return nil
}

// UpdateUsage records the last observed counter for the subaccount.
func (r *SubAccountRepository) UpdateUsage(ctx context.Context, id, usedBytes int64, syncedAt time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE subaccounts SET used_bytes = $2, last_sync_at = $3 WHERE id = $1`,
		id, usedBytes, syncedAt,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subaccount usage", err)
	}
	return nil
}

// Delete removes the subaccount row.
func (r *SubAccountRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM subaccounts WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete subaccount", err)
	}
	return nil
}
