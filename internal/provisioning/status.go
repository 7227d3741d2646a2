package provisioning

import (
	"context"
	"fmt"
	"time"

	"panelhub/internal/panel"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

// SetStatus moves an account between active and disabled. Deleted accounts
// cannot change status, and an exhausted or expired account cannot be
// enabled until its limits are raised.
func (s *Service) SetStatus(ctx context.Context, tenantID, accountID int64, status types.AccountStatus) (*OpResult, error) {
	if status != types.AccountActive && status != types.AccountDisabled {
		return nil, types.NewAppError(types.ErrCodePolicyInvalidTransition, "status must be active or disabled", nil)
	}
	var (
		res     OpResult
		subs    []remoteSub
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		acct, err := r.Accounts.GetForUpdate(ctx, tenantID, accountID)
		if err != nil {
			return err
		}
		if acct.Status == types.AccountDeleted {
			return types.NewAppError(types.ErrCodePolicyInvalidTransition, "account is deleted", nil)
		}
		if status == types.AccountActive && (acct.VolumeExhausted() || acct.Expired(s.now())) {
			return types.NewAppErrorWithDetails(types.ErrCodePolicyInvalidTransition,
				"account limits are exhausted, add traffic or extend first", nil,
				map[string]any{"volume_exhausted": acct.VolumeExhausted(), "expired": acct.Expired(s.now())})
		}

		res = OpResult{OK: true, NewBalance: tenant.Balance, AccountID: acct.ID}
		if acct.Status == status {
			return nil
		}
		changed = true
		acct.Status = status
		if status == types.AccountDisabled {
			acct.Metadata = acct.Metadata.With(types.MetaDisabledReason, types.DisabledManual)
		} else {
			acct.Metadata = acct.Metadata.Without(types.MetaDisabledReason)
		}
		if err := r.Accounts.Update(ctx, acct); err != nil {
			return err
		}
		subs, err = s.remoteSubs(ctx, r, acct.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		res.Detail = failureDetail(s.fanout(ctx, "set status", subs, func(ctx context.Context, rs remoteSub) error {
			return rs.adapter.SetStatus(ctx, rs.sub.RemoteID, status)
		}))
		s.logger.InfoContext(ctx, "account status changed", "tenant_id", tenantID, "account_id", accountID, "status", status)
	}
	return &res, nil
}

// ResetUsage zeroes the account's traffic locally and on every panel that
// supports it. An account disabled for exhausted volume is re-enabled.
func (s *Service) ResetUsage(ctx context.Context, tenantID, accountID int64) (*OpResult, error) {
	var (
		res       OpResult
		acct      *types.Account
		subs      []remoteSub
		reenabled bool
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
		if subs, err = s.remoteSubs(ctx, r, acct.ID); err != nil {
			return err
		}
		now := s.now()
		for _, rs := range subs {
			if err := r.SubAccounts.UpdateUsage(ctx, rs.sub.ID, 0, now); err != nil {
				return err
			}
		}
		acct.UsedBytes = 0
		reenabled = reenable(acct, now)
		if err := r.Accounts.Update(ctx, acct); err != nil {
			return err
		}
		res = OpResult{OK: true, NewBalance: tenant.Balance, AccountID: acct.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	failed := s.fanout(ctx, "reset usage", subs, func(ctx context.Context, rs remoteSub) error {
		rr, ok := rs.adapter.(panel.UsageResetter)
		if !ok {
			return nil
		}
		return rr.ResetUsage(ctx, rs.sub.RemoteID)
	})
	failed += s.apply(ctx, acct, subs, afterCommit{enable: reenabled})
	res.Detail = failureDetail(failed)
	return &res, nil
}

// Revoke recreates the account's credentials on every panel and rotates the
// master subscription token. Successful nodes are persisted even when others
// fail; the first failure is then returned.
func (s *Service) Revoke(ctx context.Context, tenantID, accountID int64) (*OpResult, error) {
	var (
		acct *types.Account
		subs []remoteSub
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		if _, err := lockTenant(ctx, r, tenantID); err != nil {
			return err
		}
		var err error
		if acct, err = lockAccount(ctx, r, tenantID, accountID); err != nil {
			return err
		}
		subs, err = s.remoteSubs(ctx, r, acct.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	type revoked struct {
		subID int64
		prov  panel.Provisioned
		node  types.Node
	}
	var (
		done     []revoked
		firstErr error
		failed   int
	)
	for _, rs := range subs {
		var prov panel.Provisioned
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			prov, err = rs.adapter.RevokeSubscription(ctx, acct.RemoteLabel(), rs.sub.RemoteID, acct.TotalGB, acct.ExpireAt)
			return err
		})
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("revoke on node %d: %w", rs.node.ID, err)
			}
			s.logger.WarnContext(ctx, "remote revoke failed", "account_id", acct.ID, "node_id", rs.node.ID, "error", err)
			continue
		}
		done = append(done, revoked{subID: rs.sub.ID, prov: prov, node: rs.node})
	}

	var res OpResult
	err = s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		cur, err := lockAccount(ctx, r, tenantID, accountID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, d := range done {
			var cachedAt *time.Time
			u := subscription.NormalizeURL(d.prov.SubURL, d.node.BaseURL)
			if u != "" {
				cachedAt = &now
			}
			if err := r.SubAccounts.UpdateRemote(ctx, d.subID, d.prov.RemoteID, u, cachedAt); err != nil {
				return err
			}
		}
		cur.SubToken = NewSubToken()
		if err := r.Accounts.Update(ctx, cur); err != nil {
			return err
		}
		res = OpResult{OK: true, NewBalance: tenant.Balance, AccountID: cur.ID, Detail: failureDetail(failed)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if firstErr != nil {
		return &res, firstErr
	}
	s.logger.InfoContext(ctx, "subscription revoked", "tenant_id", tenantID, "account_id", accountID, "nodes", len(done))
	return &res, nil
}
