package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"panelhub/internal/types"
)

// NodeRepository provides data access for the nodes table.
type NodeRepository struct {
	db DBTX
}

// NewNodeRepository creates a NodeRepository backed by db.
func NewNodeRepository(db DBTX) *NodeRepository {
	return &NodeRepository{db: db}
}

const nodeColumns = `n.id, n.name, n.panel_type, n.base_url, n.credentials, n.tags,
	n.is_enabled, n.is_visible_in_sub, n.created_at, n.updated_at`

func scanNode(row pgx.Row) (*types.Node, error) {
	var n types.Node
	err := row.Scan(
		&n.ID,
		&n.Name,
		&n.Family,
		&n.BaseURL,
		&n.Credentials,
		&n.Tags,
		&n.Enabled,
		&n.VisibleInSub,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Create inserts a node and fills in its generated id and timestamps.
func (r *NodeRepository) Create(ctx context.Context, n *types.Node) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO nodes (name, panel_type, base_url, credentials, tags,
		 is_enabled, is_visible_in_sub)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		n.Name,
		n.Family,
		n.BaseURL,
		n.Credentials,
		n.Tags,
		n.Enabled,
		n.VisibleInSub,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create node", err)
	}
	return nil
}

// GetByID returns the node or not_found_node.
func (r *NodeRepository) GetByID(ctx context.Context, id int64) (*types.Node, error) {
	n, err := scanNode(r.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNode, "node not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve node", err)
	}
	return n, nil
}

// List returns every node ordered by id.
func (r *NodeRepository) List(ctx context.Context) ([]types.Node, error) {
	rows, err := r.db.Query(ctx, `SELECT `+nodeColumns+` FROM nodes n ORDER BY n.id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list nodes", err)
	}
	defer rows.Close()

	var out []types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan node", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating nodes", err)
	}
	return out, nil
}

// GetByIDs returns the requested nodes keyed by id. Missing ids are absent
// from the map rather than an error.
func (r *NodeRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]types.Node, error) {
	out := make(map[int64]types.Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.id = ANY($1)`, ids)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load nodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan node", err)
		}
		out[n.ID] = *n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating nodes", err)
	}
	return out, nil
}
