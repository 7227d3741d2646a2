// Package provisioning runs the synchronous tenant operations: creating
// accounts on panels and changing their volume, lifetime, nodes and status
// while keeping the tenant ledger consistent.
//
// Every balance-changing operation locks the tenant row for its whole
// transaction. Remote calls that must succeed for a charge (provisioning on
// a new node) run inside that transaction; follow-up remote changes (new
// limits, enable, disable) run after commit and are best-effort.
package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"panelhub/internal/allocation"
	"panelhub/internal/billing"
	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// OpResult is the outcome of one operation.
type OpResult struct {
	OK         bool   `json:"ok"`
	Charged    int64  `json:"charged_amount"`
	Refunded   int64  `json:"refunded_amount"`
	NewBalance int64  `json:"new_balance"`
	AccountID  int64  `json:"user_id"`
	Detail     string `json:"detail,omitempty"`
}

// Config holds the dependencies of a Service.
type Config struct {
	Store        types.Store
	Adapters     panel.Source
	CallTimeout  time.Duration
	RefundWindow time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service implements the tenant operations.
type Service struct {
	store        types.Store
	adapters     panel.Source
	callTimeout  time.Duration
	refundWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a Service. Zero durations take their defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	window := cfg.RefundWindow
	if window <= 0 {
		window = billing.DefaultRefundWindow
	}
	return &Service{
		store:        cfg.Store,
		adapters:     cfg.Adapters,
		callTimeout:  timeout,
		refundWindow: window,
		logger:       logger,
		now:          func() time.Time { return now().UTC() },
	}
}

// lockTenant loads the tenant row for update.
func lockTenant(ctx context.Context, r types.Repositories, tenantID int64) (*types.Tenant, error) {
	t, err := r.Tenants.GetForUpdate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status == types.TenantDisabled || t.Status == types.TenantDeleted {
		return nil, types.NewAppError(types.ErrCodePermissionRole, "tenant is not active", nil)
	}
	return t, nil
}

// requireWritable rejects charging operations for tenants without credit.
func requireWritable(t *types.Tenant) error {
	if t.ReadOnly() {
		return types.NewAppErrorWithDetails(types.ErrCodePolicyTenantReadOnly,
			"tenant balance is exhausted, only read-only operations are allowed", nil,
			map[string]any{"balance": t.Balance})
	}
	return nil
}

// lockAccount loads a tenant's account for update, treating deleted
// accounts as missing.
func lockAccount(ctx context.Context, r types.Repositories, tenantID, accountID int64) (*types.Account, error) {
	a, err := r.Accounts.GetForUpdate(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AccountDeleted {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return a, nil
}

// remoteSub is a subaccount together with the adapter serving its node.
type remoteSub struct {
	sub     types.SubAccount
	node    types.Node
	adapter panel.Adapter
}

// remoteSubs pairs the account's subaccounts with adapters. Subaccounts
// whose node or adapter cannot be loaded are logged and skipped.
func (s *Service) remoteSubs(ctx context.Context, r types.Repositories, accountID int64) ([]remoteSub, error) {
	subs, err := r.SubAccounts.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(subs))
	for i, sa := range subs {
		ids[i] = sa.NodeID
	}
	nodes, err := r.Nodes.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]remoteSub, 0, len(subs))
	for _, sa := range subs {
		node, ok := nodes[sa.NodeID]
		if !ok {
			s.logger.WarnContext(ctx, "subaccount references a missing node", "subaccount_id", sa.ID, "node_id", sa.NodeID)
			continue
		}
		adapter, err := s.adapters.ForNode(&node)
		if err != nil {
			s.logger.WarnContext(ctx, "no adapter for node", "node_id", node.ID, "error", err)
			continue
		}
		out = append(out, remoteSub{sub: sa, node: node, adapter: adapter})
	}
	return out, nil
}

// call runs fn with the per-call timeout.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(cctx)
}

// fanout applies op to every subaccount and returns the number of failures.
// Failures are logged, never returned.
func (s *Service) fanout(ctx context.Context, what string, subs []remoteSub, op func(ctx context.Context, rs remoteSub) error) int {
	failed := 0
	for _, rs := range subs {
		if err := s.call(ctx, func(ctx context.Context) error { return op(ctx, rs) }); err != nil {
			failed++
			s.logger.WarnContext(ctx, "remote "+what+" failed",
				"account_id", rs.sub.AccountID, "node_id", rs.node.ID, "error", err)
		}
	}
	return failed
}

func failureDetail(failed int) string {
	if failed == 0 {
		return ""
	}
	return fmt.Sprintf("remote_failures=%d", failed)
}

// chargeNodes returns the account's current nodes with the allocation that
// prices them. Nodes no longer allocated are priced at the tenant rate.
func chargeNodes(ctx context.Context, r types.Repositories, tenantID int64, nodeIDs []int64) ([]allocation.ResolvedNode, error) {
	allocated, err := r.Allocations.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[int64]types.AllocatedNode, len(allocated))
	for _, an := range allocated {
		byNode[an.Node.ID] = an
	}
	var missing []int64
	out := make([]allocation.ResolvedNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if an, ok := byNode[id]; ok {
			out = append(out, allocation.ResolvedNode{Node: an.Node, Allocation: an.Allocation})
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		nodes, err := r.Nodes.GetByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			if n, ok := nodes[id]; ok {
				out = append(out, allocation.ResolvedNode{Node: n})
			}
		}
	}
	return out, nil
}

// reenable returns the account moved back to active when it is disabled for
// a reason the operation just removed (volume or expiry). It reports whether
// the status changed.
func reenable(a *types.Account, now time.Time) bool {
	if a.Status != types.AccountDisabled || a.VolumeExhausted() || a.Expired(now) {
		return false
	}
	reason, _ := a.Metadata[types.MetaDisabledReason].(string)
	if reason != types.DisabledVolume && reason != types.DisabledExpired {
		return false
	}
	a.Status = types.AccountActive
	a.Metadata = a.Metadata.Without(types.MetaDisabledReason)
	return true
}
