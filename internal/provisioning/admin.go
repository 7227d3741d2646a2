package provisioning

import (
	"context"
	"net/url"
	"strings"

	"panelhub/internal/billing"
	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// CreateTenant registers a reseller with an opening balance. A positive
// opening balance is written to the ledger as an admin credit.
func (s *Service) CreateTenant(ctx context.Context, t *types.Tenant) error {
	if strings.TrimSpace(t.Username) == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "username is required", nil)
	}
	if t.Status == "" {
		t.Status = types.TenantActive
	}
	opening := t.Balance
	t.Balance = 0
	return s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		if err := r.Tenants.Create(ctx, t); err != nil {
			return err
		}
		_, err := billing.NewLedger(r).Credit(ctx, t, opening, types.ReasonAdminCredit, nil)
		return err
	})
}

// Credit adds amount to a tenant balance. reason defaults to admin_credit.
func (s *Service) Credit(ctx context.Context, tenantID, amount int64, reason string) (*types.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "amount must be positive", nil)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = types.ReasonAdminCredit
	}
	var tx *types.LedgerTransaction
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := r.Tenants.GetForUpdate(ctx, tenantID)
		if err != nil {
			return err
		}
		tx, err = billing.NewLedger(r).Credit(ctx, tenant, amount, reason, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "tenant credited", "tenant_id", tenantID, "amount", amount, "reason", reason, "balance", tx.BalanceAfter)
	return tx, nil
}

// UpsertAllocation grants a tenant a node, or updates the existing grant.
func (s *Service) UpsertAllocation(ctx context.Context, a *types.NodeAllocation) error {
	if a.PriceOverride != nil && *a.PriceOverride < 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "price override must not be negative", nil)
	}
	return s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		if _, err := r.Tenants.GetByID(ctx, a.TenantID); err != nil {
			return err
		}
		if _, err := r.Nodes.GetByID(ctx, a.NodeID); err != nil {
			return err
		}
		return r.Allocations.Upsert(ctx, a)
	})
}

// CreateNode registers a panel endpoint.
func (s *Service) CreateNode(ctx context.Context, n *types.Node) error {
	if !n.Family.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidFamily, "unknown panel type "+string(n.Family), nil)
	}
	u, err := url.Parse(strings.TrimSpace(n.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidInput, "base_url must be an absolute http(s) URL", err)
	}
	n.BaseURL = strings.TrimRight(u.String(), "/")
	if n.Tags == nil {
		n.Tags = types.StringList{}
	}
	return s.store.Repos().Nodes.Create(ctx, n)
}

// ListNodes returns every node.
func (s *Service) ListNodes(ctx context.Context) ([]types.Node, error) {
	return s.store.Repos().Nodes.List(ctx)
}

// TestConnection probes a node's panel.
func (s *Service) TestConnection(ctx context.Context, nodeID int64) (panel.ConnectionInfo, error) {
	node, err := s.store.Repos().Nodes.GetByID(ctx, nodeID)
	if err != nil {
		return panel.ConnectionInfo{}, err
	}
	adapter, err := s.adapters.ForNode(node)
	if err != nil {
		return panel.ConnectionInfo{}, err
	}
	var info panel.ConnectionInfo
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = adapter.TestConnection(ctx)
		return err
	})
	return info, err
}

// AccountView is an account with its per-node materializations.
type AccountView struct {
	types.Account
	SubAccounts []types.SubAccount `json:"subaccounts"`
}

// GetAccount returns one of the tenant's accounts.
func (s *Service) GetAccount(ctx context.Context, tenantID, accountID int64) (*AccountView, error) {
	repos := s.store.Repos()
	acct, err := repos.Accounts.GetByID(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	subs, err := repos.SubAccounts.ListByAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &AccountView{Account: *acct, SubAccounts: subs}, nil
}

// UserPolicy returns the policy applied to the tenant's creates.
func (s *Service) UserPolicy(ctx context.Context, tenantID int64) (billing.UserPolicy, error) {
	return billing.LoadUserPolicy(ctx, s.store.Repos().Settings, tenantID)
}

// SetUserPolicy stores a tenant policy, or the global one for tenantID 0.
func (s *Service) SetUserPolicy(ctx context.Context, tenantID int64, p billing.UserPolicy) (billing.UserPolicy, error) {
	return billing.SaveUserPolicy(ctx, s.store.Repos().Settings, tenantID, p)
}
