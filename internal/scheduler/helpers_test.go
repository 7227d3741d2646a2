package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"panelhub/internal/db/memstore"
	"panelhub/internal/panel"
	"panelhub/internal/panel/paneltest"
	"panelhub/internal/types"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	store  *memstore.Store
	source *paneltest.Source
	tenant *types.Tenant
	seq    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		store:  memstore.New(),
		source: paneltest.NewSource(map[int64]panel.Adapter{}),
		tenant: &types.Tenant{Username: "r1", Balance: 1000},
	}
	require.NoError(t, f.store.Repos().Tenants.Create(context.Background(), f.tenant))
	return f
}

func (f *fixture) deps() Deps {
	return Deps{Store: f.store, Adapters: f.source, Concurrency: 4, CallTimeout: time.Second, Now: func() time.Time { return testNow }}
}

func (f *fixture) node(family types.PanelFamily, a panel.Adapter) int64 {
	f.t.Helper()
	n := &types.Node{Name: string(family), Family: family, Enabled: true}
	require.NoError(f.t, f.store.Repos().Nodes.Create(context.Background(), n))
	f.source.Set(n.ID, a)
	return n.ID
}

func (f *fixture) account(totalGB int64, expireAt time.Time) *types.Account {
	f.t.Helper()
	a := &types.Account{
		TenantID: f.tenant.ID,
		Label:    "u",
		TotalGB:  totalGB,
		ExpireAt: expireAt,
		Status:   types.AccountActive,
	}
	f.seq++
	a.SubToken = fmt.Sprintf("tok-%d", f.seq)
	require.NoError(f.t, f.store.Repos().Accounts.Create(context.Background(), a))
	return a
}

func (f *fixture) sub(accountID, nodeID int64, remoteID string, cached int64) *types.SubAccount {
	f.t.Helper()
	sa := &types.SubAccount{AccountID: accountID, NodeID: nodeID, RemoteID: remoteID, UsedBytes: cached}
	require.NoError(f.t, f.store.Repos().SubAccounts.Create(context.Background(), sa))
	return sa
}

func (f *fixture) reload(id int64) *types.Account {
	f.t.Helper()
	a, err := f.store.Repos().Accounts.GetByID(context.Background(), f.tenant.ID, id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) subs(accountID int64) []types.SubAccount {
	f.t.Helper()
	out, err := f.store.Repos().SubAccounts.ListByAccount(context.Background(), accountID)
	require.NoError(f.t, err)
	return out
}

// commit applies change to an account inside its own locked transaction, the
// way a concurrent provisioning operation would.
func (f *fixture) commit(id int64, change func(a *types.Account)) {
	f.t.Helper()
	err := f.store.InTx(context.Background(), func(ctx context.Context, r types.Repositories) error {
		a, err := r.Accounts.GetForUpdate(ctx, f.tenant.ID, id)
		if err != nil {
			return err
		}
		change(a)
		return r.Accounts.Update(ctx, a)
	})
	require.NoError(f.t, err)
}

// interleavedUsage runs before once, ahead of the first usage read.
type interleavedUsage struct {
	*paneltest.Adapter
	once   sync.Once
	before func()
}

func (a *interleavedUsage) GetUsedBytes(ctx context.Context, remoteID string) (*int64, error) {
	a.once.Do(a.before)
	return a.Adapter.GetUsedBytes(ctx, remoteID)
}

// interleavedStore runs before once, ahead of the first transaction.
type interleavedStore struct {
	types.Store
	once   sync.Once
	before func()
}

func (s *interleavedStore) InTx(ctx context.Context, fn func(ctx context.Context, r types.Repositories) error) error {
	s.once.Do(s.before)
	return s.Store.InTx(ctx, fn)
}
