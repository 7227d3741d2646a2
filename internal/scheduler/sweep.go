package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"panelhub/internal/panel"
	"panelhub/internal/types"
)

// Deps are the collaborators shared by both sweeps.
type Deps struct {
	Store    types.Store
	Adapters panel.Source
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// Concurrency bounds parallel remote calls within a batch.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 8
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 15 * time.Second
	}
}

// batchView is the snapshot of subaccounts and nodes for one batch.
type batchView struct {
	subs     map[int64][]types.SubAccount
	nodes    map[int64]types.Node
	adapters map[int64]panel.Adapter
}

// loadBatch reads subaccounts and nodes for accounts and builds one adapter
// per node. Nodes whose adapter cannot be built are left out and reported.
func (d *Deps) loadBatch(ctx context.Context, accountIDs []int64, stats *recorder) (*batchView, error) {
	r := d.Store.Repos()
	subs, err := r.SubAccounts.ListByAccounts(ctx, accountIDs)
	if err != nil {
		return nil, err
	}

	v := &batchView{
		subs:     make(map[int64][]types.SubAccount, len(accountIDs)),
		adapters: map[int64]panel.Adapter{},
	}
	seen := map[int64]bool{}
	var nodeIDs []int64
	for _, sa := range subs {
		v.subs[sa.AccountID] = append(v.subs[sa.AccountID], sa)
		if !seen[sa.NodeID] {
			seen[sa.NodeID] = true
			nodeIDs = append(nodeIDs, sa.NodeID)
		}
	}

	v.nodes, err = r.Nodes.GetByIDs(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	for id, n := range v.nodes {
		a, err := d.Adapters.ForNode(&n)
		if err != nil {
			stats.addError("node %d: %v", id, err)
			continue
		}
		v.adapters[id] = a
	}
	return v, nil
}

// parallel runs fn for each item with at most d.Concurrency in flight. fn
// errors are recorded by fn itself; parallel only waits.
func parallel[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, it := range items {
		g.Go(func() error {
			fn(gctx, it)
			return nil
		})
	}
	_ = g.Wait()
}

// withTimeout runs fn under the per-call timeout.
func (d *Deps) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()
	return fn(cctx)
}

// enforce applies action to every provisioned subaccount of accounts.
func (d *Deps) enforce(ctx context.Context, view *batchView, accountIDs []int64, stats *recorder, op string,
	action func(ctx context.Context, a panel.Adapter, remoteID string) error) {
	var targets []types.SubAccount
	for _, id := range accountIDs {
		for _, sa := range view.subs[id] {
			if sa.RemoteID != "" && view.adapters[sa.NodeID] != nil {
				targets = append(targets, sa)
			}
		}
	}
	parallel(ctx, d.Concurrency, targets, func(ctx context.Context, sa types.SubAccount) {
		err := d.withTimeout(ctx, func(ctx context.Context) error {
			return action(ctx, view.adapters[sa.NodeID], sa.RemoteID)
		})
		stats.remote(err, "%s account %d node %d", op, sa.AccountID, sa.NodeID)
		if err != nil {
			d.Logger.WarnContext(ctx, "remote enforcement failed",
				"op", op, "account_id", sa.AccountID, "node_id", sa.NodeID, "error", err)
		}
	})
}

func accountIDs(accounts []types.Account) []int64 {
	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids
}
