package provisioning

import (
	"context"
	"strings"

	"panelhub/internal/allocation"
	"panelhub/internal/billing"
	"panelhub/internal/panel"
	"panelhub/internal/subscription"
	"panelhub/internal/types"
)

// CreateRequest describes a new account. NodeIDs and NodeGroup are
// mutually exclusive; with neither the tenant's default allocation is used.
// Days == 0 without a preset means unlimited.
type CreateRequest struct {
	Label             string            `json:"label" validate:"required,max=128"`
	Username          string            `json:"username,omitempty" validate:"max=128"`
	RandomizeUsername bool              `json:"randomize_username,omitempty"`
	TotalGB           int64             `json:"total_gb" validate:"gt=0"`
	Days              int               `json:"days" validate:"min=0"`
	DurationPreset    string            `json:"duration_preset,omitempty"`
	NodeIDs           []int64           `json:"node_ids,omitempty"`
	NodeGroup         string            `json:"node_group,omitempty"`
	PricingMode       types.PricingMode `json:"pricing_mode,omitempty" validate:"omitempty,oneof=per_node bundle"`
}

func (r CreateRequest) selection() allocation.Selection {
	return allocation.Selection{NodeIDs: r.NodeIDs, Group: strings.TrimSpace(r.NodeGroup)}
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	OpResult
	SubToken string        `json:"master_sub_token"`
	Nodes    []int64       `json:"nodes_provisioned"`
	Quote    billing.Quote `json:"quote"`
}

// plan is a priced create request.
type plan struct {
	days  int
	nodes []allocation.ResolvedNode
	quote billing.Quote
}

func (s *Service) plan(ctx context.Context, r types.Repositories, tenant *types.Tenant, req CreateRequest) (plan, error) {
	policy, err := billing.LoadUserPolicy(ctx, r.Settings, tenant.ID)
	if err != nil {
		return plan{}, err
	}
	days, err := policy.Enforce(req.TotalGB, req.Days, req.DurationPreset)
	if err != nil {
		return plan{}, err
	}
	nodes, err := allocation.NewResolver(r.Allocations).Resolve(ctx, tenant.ID, req.selection())
	if err != nil {
		return plan{}, err
	}
	if err := allocation.RequireAny(nodes); err != nil {
		return plan{}, err
	}
	return plan{
		days:  days,
		nodes: nodes,
		quote: billing.Calculate(tenant, nodes, req.TotalGB, days, req.PricingMode),
	}, nil
}

// Quote prices a create request without charging.
func (s *Service) Quote(ctx context.Context, tenantID int64, req CreateRequest) (billing.Quote, error) {
	r := s.store.Repos()
	tenant, err := r.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return billing.Quote{}, err
	}
	p, err := s.plan(ctx, r, tenant, req)
	if err != nil {
		return billing.Quote{}, err
	}
	return p.quote, nil
}

// Create charges the tenant and provisions a new account on every resolved
// node. A failure on any node rolls the whole operation back locally; users
// already created on other panels are left in place.
func (s *Service) Create(ctx context.Context, tenantID int64, req CreateRequest) (*CreateResult, error) {
	if req.TotalGB <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "total_gb must be positive", nil)
	}
	var res *CreateResult
	var provisioned []int64
	err := s.store.InTx(ctx, func(ctx context.Context, r types.Repositories) error {
		tenant, err := lockTenant(ctx, r, tenantID)
		if err != nil {
			return err
		}
		if err := requireWritable(tenant); err != nil {
			return err
		}
		p, err := s.plan(ctx, r, tenant, req)
		if err != nil {
			return err
		}
		if err := billing.RequireFunds(tenant, p.quote.Total); err != nil {
			return err
		}

		now := s.now()
		days := p.days
		if days == 0 {
			days = types.UnlimitedDays
		}
		label := remoteLabel(req.Label, req.Username, req.RandomizeUsername)
		acct := &types.Account{
			TenantID:      tenant.ID,
			Label:         strings.TrimSpace(req.Label),
			TotalGB:       req.TotalGB,
			ExpireAt:      now.AddDate(0, 0, days),
			Status:        types.AccountActive,
			SelectionMode: req.selection().Mode(),
			NodeGroup:     req.selection().Group,
			SubToken:      NewSubToken(),
			Metadata: types.Metadata{
				types.MetaPricingMode: string(p.quote.Mode),
				types.MetaRemoteLabel: label,
				types.MetaNoExpire:    p.days == 0,
			},
		}
		if err := r.Accounts.Create(ctx, acct); err != nil {
			return err
		}

		order := &types.Order{
			TenantID:           tenant.ID,
			AccountID:          &acct.ID,
			Type:               types.OrderCreate,
			Status:             types.OrderPending,
			PurchasedGB:        req.TotalGB,
			PricePerGBSnapshot: p.quote.PerGBRate,
			Amount:             p.quote.Total,
		}
		if err := r.Orders.Create(ctx, order); err != nil {
			return err
		}

		for _, rn := range p.nodes {
			node := rn.Node
			adapter, err := s.adapters.ForNode(&node)
			if err != nil {
				return err
			}
			var prov panel.Provisioned
			err = s.call(ctx, func(ctx context.Context) error {
				var err error
				prov, err = adapter.ProvisionUser(ctx, label, acct.TotalGB, acct.ExpireAt)
				return err
			})
			if err != nil {
				return err
			}
			provisioned = append(provisioned, node.ID)
			sa := &types.SubAccount{AccountID: acct.ID, NodeID: node.ID, RemoteID: prov.RemoteID}
			if u := subscription.NormalizeURL(prov.SubURL, node.BaseURL); u != "" {
				sa.SubURL = u
				sa.SubURLCachedAt = &now
			}
			if err := r.SubAccounts.Create(ctx, sa); err != nil {
				return err
			}
		}

		if _, err := billing.NewLedger(r).Debit(ctx, tenant, p.quote.Total, types.ReasonAccountCreate, &order.ID); err != nil {
			return err
		}
		if err := r.Orders.UpdateStatus(ctx, order.ID, types.OrderCompleted); err != nil {
			return err
		}

		res = &CreateResult{
			OpResult: OpResult{
				OK:         true,
				Charged:    p.quote.Total,
				NewBalance: tenant.Balance,
				AccountID:  acct.ID,
			},
			SubToken: acct.SubToken,
			Nodes:    allocation.NodeIDs(p.nodes),
			Quote:    p.quote,
		}
		return nil
	})
	if err != nil {
		if len(provisioned) > 0 {
			s.logger.WarnContext(ctx, "create rolled back after partial remote provisioning",
				"tenant_id", tenantID, "nodes", provisioned, "error", err)
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "account created",
		"tenant_id", tenantID, "account_id", res.AccountID, "charged", res.Charged, "nodes", res.Nodes)
	return res, nil
}
