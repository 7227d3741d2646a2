package provisioning

import (
	"context"
	"fmt"
	"slices"

	"panelhub/internal/allocation"
	"panelhub/internal/billing"
	"panelhub/internal/panel"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

// afterCommit is remote work applied once the local change is durable.
type afterCommit struct {
	limits   bool
	enable   bool
	deleteOn []remoteSub
}

func (s *Service) apply(ctx context.Context, acct *types.Account, subs []remoteSub, ac afterCommit) int {
	failed := 0
	if ac.limits {
		failed += s.fanout(ctx, "update limits", subs, func(ctx context.Context, rs remoteSub) error {
			return rs.adapter.UpdateUserLimits(ctx, rs.sub.RemoteID, acct.TotalGB, acct.ExpireAt)
		})
	}
	if ac.enable {
		failed += s.fanout(ctx, "enable", subs, func(ctx context.Context, rs remoteSub) error {
			return rs.adapter.EnableUser(ctx, rs.sub.RemoteID)
		})
	}
	if len(ac.deleteOn) > 0 {
		failed += s.fanout(ctx, "delete", ac.deleteOn, func(ctx context.Context, rs remoteSub) error {
			return rs.adapter.DeleteUser(ctx, rs.sub.RemoteID)
		})
	}
	return failed
}

// Extend adds days to the account lifetime, charging the tenant's day
// price. An expired account is extended from now rather than from its old
// expiry. The "unlimited" preset moves the expiry to the unlimited horizon
// free of charge.
func (s *Service) Extend(ctx context.Context, tenantID, accountID int64, days int, preset string) (*OpResult, error) {
	days, err := billing.ResolveDays(days, preset)
	if err != nil {
		return nil, err
	}
	unlimited := days == 0
	if unlimited {
		if p, _ := billing.ParsePreset(preset); p != billing.PresetUnlimited {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidDuration, "days must be positive", nil)
		}
	}

	var (
		res  OpResult
		acct *types.Account
		subs []remoteSub
		ac   = afterCommit{limits: true}
	)
	err = s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		if err := requireWritable(tenant); err != nil {
			return err
		}
		acct, err = lockAccount(ctx, r, tenantID, accountID)
		if err != nil {
			return err
		}
		amount := billing.TimeAmount(tenant, days)
		if err := billing.RequireFunds(tenant, amount); err != nil {
			return err
		}

		order := &types.Order{TenantID: tenant.ID, AccountID: &acct.ID, Type: types.OrderExtend, Status: types.OrderPending, Amount: amount}
		if err := r.Orders.Create(ctx, order); err != nil {
			return err
		}

		now := s.now()
		if unlimited {
			acct.ExpireAt = now.AddDate(0, 0, types.UnlimitedDays)
			acct.Metadata = acct.Metadata.With(types.MetaNoExpire, true)
		} else {
			base := acct.ExpireAt
			if base.Before(now) {
				base = now
			}
			acct.ExpireAt = base.AddDate(0, 0, days)
		}
		ac.enable = reenable(acct, now)
		if err := r.Accounts.Update(ctx, acct); err != nil {
			return err
		}

		if _, err := billing.NewLedger(r).Debit(ctx, tenant, amount, types.ReasonExtend, &order.ID); err != nil {
			return err
		}
		if err := r.Orders.UpdateStatus(ctx, order.ID, types.OrderCompleted); err != nil {
			return err
		}
		if subs, err = s.remoteSubs(ctx, r, acct.ID); err != nil {
			return err
		}
		res = OpResult{OK: true, Charged: amount, NewBalance: tenant.Balance, AccountID: acct.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Detail = failureDetail(s.apply(ctx, acct, subs, ac))
	return &res, nil
}

// AddTraffic raises the account quota by addGB, priced over the nodes the
// account currently lives on with the account's pricing mode.
func (s *Service) AddTraffic(ctx context.Context, tenantID, accountID, addGB int64) (*OpResult, error) {
	if addGB <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "add_gb must be positive", nil)
	}
	var (
		res  OpResult
		acct *types.Account
		subs []remoteSub
		ac   = afterCommit{limits: true}
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		if err := requireWritable(tenant); err != nil {
			return err
		}
		acct, err = lockAccount(ctx, r, tenantID, accountID)
		if err != nil {
			return err
		}
		if subs, err = s.remoteSubs(ctx, r, acct.ID); err != nil {
			return err
		}
		current, err := r.SubAccounts.ListByAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return types.NewAppError(types.ErrCodeNotFoundSubAccount, "account has no subaccounts", nil)
		}
		nodeIDs := make([]int64, len(current))
		for i, sa := range current {
			nodeIDs[i] = sa.NodeID
		}
		nodes, err := chargeNodes(ctx, r, tenant.ID, nodeIDs)
		if err != nil {
			return err
		}
		q := billing.Calculate(tenant, nodes, addGB, 0, acct.PricingMode())
		if err := billing.RequireFunds(tenant, q.Total); err != nil {
			return err
		}

		order := &types.Order{
			TenantID:           tenant.ID,
			AccountID:          &acct.ID,
			Type:               types.OrderAddTraffic,
			Status:             types.OrderPending,
			PurchasedGB:        addGB,
			PricePerGBSnapshot: q.PerGBRate,
			Amount:             q.Total,
		}
		if err := r.Orders.Create(ctx, order); err != nil {
			return err
		}

		acct.TotalGB += addGB
		ac.enable = reenable(acct, s.now())
		if err := r.Accounts.Update(ctx, acct); err != nil {
			return err
		}
		if _, err := billing.NewLedger(r).Debit(ctx, tenant, q.Total, types.ReasonAddTraffic, &order.ID); err != nil {
			return err
		}
		if err := r.Orders.UpdateStatus(ctx, order.ID, types.OrderCompleted); err != nil {
			return err
		}
		res = OpResult{OK: true, Charged: q.Total, NewBalance: tenant.Balance, AccountID: acct.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Detail = failureDetail(s.apply(ctx, acct, subs, ac))
	return &res, nil
}

// ChangeNodesRequest lists nodes to add to and remove from an account.
type ChangeNodesRequest struct {
	Add    []int64 `json:"add_node_ids,omitempty"`
	Remove []int64 `json:"remove_node_ids,omitempty"`
}

// ChangeNodes provisions the account on added nodes, charging the full
// account volume per added node, and drops removed nodes. Only accounts
// with a manual node list can change nodes.
func (s *Service) ChangeNodes(ctx context.Context, tenantID, accountID int64, req ChangeNodesRequest) (*OpResult, error) {
	add := dedupe(req.Add)
	remove := dedupe(req.Remove)
	if len(add) == 0 && len(remove) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "add_node_ids or remove_node_ids is required", nil)
	}
	for _, id := range add {
		if slices.Contains(remove, id) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationSelectionConflict,
				"a node cannot be added and removed at once", nil, map[string]any{"node_id": id})
		}
	}

	var (
		res     OpResult
		removed []remoteSub
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		acct, err := lockAccount(ctx, r, tenantID, accountID)
		if err != nil {
			return err
		}
		if acct.SelectionMode != types.SelectionManual {
			return types.NewAppError(types.ErrCodePolicyManualModeOnly, "change-nodes is only allowed for accounts with a manual node list", nil)
		}
		subs, err := s.remoteSubs(ctx, r, acct.ID)
		if err != nil {
			return err
		}
		current := map[int64]bool{}
		for _, rs := range subs {
			current[rs.node.ID] = true
		}

		kept := 0
		for _, rs := range subs {
			if !slices.Contains(remove, rs.node.ID) {
				kept++
				continue
			}
			if err := r.SubAccounts.Delete(ctx, rs.sub.ID); err != nil {
				return err
			}
			removed = append(removed, rs)
		}

		var adding []allocation.ResolvedNode
		if len(add) > 0 {
			eligible, err := allocation.NewResolver(r.Allocations).Resolve(ctx, tenant.ID, allocation.Selection{NodeIDs: add})
			if err != nil {
				return err
			}
			if err := allocation.RequireAny(eligible); err != nil {
				return err
			}
			for _, rn := range eligible {
				if !current[rn.Node.ID] {
					adding = append(adding, rn)
				}
			}
		}
		if kept+len(adding) == 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidInput, "an account must keep at least one node", nil)
		}

		res = OpResult{OK: true, NewBalance: tenant.Balance, AccountID: acct.ID}
		if len(adding) == 0 {
			return nil
		}
		if err := requireWritable(tenant); err != nil {
			return err
		}
		q := billing.Calculate(tenant, adding, acct.TotalGB, 0, acct.PricingMode())
		if err := billing.RequireFunds(tenant, q.Total); err != nil {
			return err
		}
		order := &types.Order{
			TenantID:           tenant.ID,
			AccountID:          &acct.ID,
			Type:               types.OrderChangeNodes,
			Status:             types.OrderPending,
			PurchasedGB:        acct.TotalGB,
			PricePerGBSnapshot: q.PerGBRate,
			Amount:             q.Total,
		}
		if err := r.Orders.Create(ctx, order); err != nil {
			return err
		}

		now := s.now()
		for _, rn := range adding {
			node := rn.Node
			adapter, err := s.adapters.ForNode(&node)
			if err != nil {
				return err
			}
			var prov panel.Provisioned
			err = s.call(ctx, func(ctx context.Context) error {
				var err error
				prov, err = adapter.ProvisionUser(ctx, acct.RemoteLabel(), acct.TotalGB, acct.ExpireAt)
				return err
			})
			if err != nil {
				return fmt.Errorf("provision account %d on node %d: %w", acct.ID, node.ID, err)
			}
			sa := &types.SubAccount{AccountID: acct.ID, NodeID: node.ID, RemoteID: prov.RemoteID}
			if u := subscription.NormalizeURL(prov.SubURL, node.BaseURL); u != "" {
				sa.SubURL = u
				sa.SubURLCachedAt = &now
			}
			if err := r.SubAccounts.Create(ctx, sa); err != nil {
				return err
			}
		}

		if _, err := billing.NewLedger(r).Debit(ctx, tenant, q.Total, types.ReasonChangeNodesAdd, &order.ID); err != nil {
			return err
		}
		if err := r.Orders.UpdateStatus(ctx, order.ID, types.OrderCompleted); err != nil {
			return err
		}
		res.Charged = q.Total
		res.NewBalance = tenant.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Detail = failureDetail(s.apply(ctx, nil, nil, afterCommit{deleteOn: removed}))
	return &res, nil
}

// Refund returns unused volume to the tenant at the creation order's
// snapshot price. Delete also removes the account and its remote users.
func (s *Service) Refund(ctx context.Context, tenantID, accountID int64, action types.RefundAction, decreaseGB int64) (*OpResult, error) {
	var (
		res  OpResult
		acct *types.Account
		subs []remoteSub
		ac   afterCommit
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		acct, err = lockAccount(ctx, r, tenantID, accountID)
		if err != nil {
			return err
		}

		perGB := tenant.PricePerGB
		created, err := r.Orders.FirstCreateOrder(ctx, acct.ID)
		switch {
		case err == nil:
			perGB = created.PricePerGBSnapshot
		case types.IsNotFound(err):
			s.logger.WarnContext(ctx, "no create order, refunding at the current price",
				"tenant_id", tenant.ID, "account_id", acct.ID, "price_per_gb", perGB)
		default:
			return err
		}

		plan, err := billing.RefundPlan(acct, action, decreaseGB, perGB, s.refundWindow, s.now())
		if err != nil {
			return err
		}

		orderType := types.OrderRefund
		if action == types.RefundDelete {
			orderType = types.OrderDelete
		}
		order := &types.Order{
			TenantID:           tenant.ID,
			AccountID:          &acct.ID,
			Type:               orderType,
			Status:             types.OrderPending,
			PurchasedGB:        plan.GB,
			PricePerGBSnapshot: perGB,
			Amount:             plan.Amount,
		}
		if err := r.Orders.Create(ctx, order); err != nil {
			return err
		}

		if subs, err = s.remoteSubs(ctx, r, acct.ID); err != nil {
			return err
		}
		acct.TotalGB -= plan.GB
		if action == types.RefundDelete {
			acct.Status = types.AccountDeleted
			for _, rs := range subs {
				if err := r.SubAccounts.Delete(ctx, rs.sub.ID); err != nil {
					return err
				}
			}
			ac.deleteOn = subs
		} else {
			ac.limits = true
		}
		if err := r.Accounts.Update(ctx, acct); err != nil {
			return err
		}

		if _, err := billing.NewLedger(r).Credit(ctx, tenant, plan.Amount, types.ReasonRefundPrefix+string(action), &order.ID); err != nil {
			return err
		}
		if err := r.Orders.UpdateStatus(ctx, order.ID, types.OrderCompleted); err != nil {
			return err
		}
		res = OpResult{
			OK:         true,
			Refunded:   plan.Amount,
			NewBalance: tenant.Balance,
			AccountID:  acct.ID,
			Detail:     fmt.Sprintf("refunded_gb=%d", plan.GB),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d := failureDetail(s.apply(ctx, acct, subs, ac)); d != "" {
		res.Detail += " " + d
	}
	s.logger.InfoContext(ctx, "refund applied", "tenant_id", tenantID, "account_id", accountID,
		"action", action, "refunded", res.Refunded)
	return &res, nil
}

func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
